package generation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// fakeRuntime returns a canned body and records the request.
type fakeRuntime struct {
	body    string
	err     error
	request completionRequest
	input   *sagemakerruntime.InvokeEndpointInput
}

func (f *fakeRuntime) InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	f.input = params
	_ = json.Unmarshal(params.Body, &f.request)
	if f.err != nil {
		return nil, f.err
	}
	return &sagemakerruntime.InvokeEndpointOutput{Body: []byte(f.body)}, nil
}

func chat(content string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(data)
}

func newGenerator(t *testing.T, rt *fakeRuntime) *Generator {
	t.Helper()
	client, err := NewClient(rt, "llm-endpoint", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return NewGenerator(client, zerolog.Nop())
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(&fakeRuntime{}, "", zerolog.Nop()); err == nil {
		t.Error("Expected error for empty endpoint")
	}
	if _, err := NewClient(nil, "llm", zerolog.Nop()); err == nil {
		t.Error("Expected error for nil runtime")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"json fence", "Here:\n```json\n{\"a\": 1}\n```\nDone", `{"a": 1}`},
		{"bare fence", "```\n[1, 2]\n```", "[1, 2]"},
		{"no fence", "  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeObject(t *testing.T) {
	var v map[string]interface{}
	if err := DecodeObject(`Sure! {"model_name": "m"} hope that helps`, &v); err != nil {
		t.Fatalf("Expected embedded object to decode, got %v", err)
	}
	if v["model_name"] != "m" {
		t.Errorf("Unexpected decode result %v", v)
	}

	if err := DecodeObject("no json at all", &v); !errors.Is(err, ErrNoJSON) {
		t.Errorf("Expected ErrNoJSON, got %v", err)
	}
}

func TestCompletionText(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"chat", chat("hello"), "hello"},
		{"outputs", `{"outputs": ["generated"]}`, "generated"},
		{"string", `"plain"`, "plain"},
		{"unknown", `{"foo": 1}`, `{"foo": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completionText([]byte(tt.body)); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestGenerateConfiguration(t *testing.T) {
	rt := &fakeRuntime{body: chat("```json\n" + `{
  "model_name": "llama-3-1-8b-dev",
  "endpoint_name": "chatbot-x-dev",
  "instance_type": "ml.m5.large",
  "instance_count": 1,
  "max_payload_mb": 6,
  "autoscaling_min": 1,
  "autoscaling_max": 2,
  "rollback_alarms": [],
  "budget_usd_per_hour": 15
}` + "\n```")}
	g := newGenerator(t, rt)

	cfg, err := g.GenerateConfiguration(context.Background(), engine.GenerationRequest{
		Intent:      "deploy llama-3.1-8b for the chatbot",
		Environment: engine.EnvironmentDev,
		Evidence: []engine.Evidence{
			{Title: "A", Snippet: "a"}, {Title: "B", Snippet: "b"}, {Title: "C", Snippet: "c"}, {Title: "D", Snippet: "d"},
		},
		Constraints: engine.Constraints{BudgetUSDPerHour: 12.5},
	})
	if err != nil {
		t.Fatalf("GenerateConfiguration failed: %v", err)
	}
	if cfg.EndpointName != "chatbot-x-dev" || cfg.InstanceCount != 1 || cfg.BudgetUSDPerHour != 15 {
		t.Errorf("Unexpected configuration %+v", cfg)
	}

	if aws.ToString(rt.input.EndpointName) != "llm-endpoint" {
		t.Errorf("Expected llm-endpoint, got %s", aws.ToString(rt.input.EndpointName))
	}
	if rt.request.Temperature != DefaultTemperature || rt.request.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected sampling %v/%d, got %v/%d", DefaultTemperature, DefaultMaxTokens, rt.request.Temperature, rt.request.MaxTokens)
	}
	user := rt.request.Messages[1].Content
	if !strings.Contains(user, "Budget constraint: $12.5/hour") {
		t.Errorf("Expected budget in prompt, got %q", user)
	}
	if strings.Contains(user, "- D: d") {
		t.Error("Expected only the top 3 evidence items in the prompt")
	}
}

func TestGenerateConfigurationFailures(t *testing.T) {
	tests := []struct {
		name   string
		rt     *fakeRuntime
		policy bool
	}{
		{"refusal", &fakeRuntime{body: chat(`{"error": "policy_violation", "details": "GPU in dev"}`)}, true},
		{"garbage", &fakeRuntime{body: chat("I cannot help with that")}, false},
		{"missing fields", &fakeRuntime{body: chat(`{"model_name": "m"}`)}, false},
		{"invoke error", &fakeRuntime{err: errors.New("ModelError")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newGenerator(t, tt.rt).GenerateConfiguration(context.Background(), engine.GenerationRequest{Intent: "x", Environment: engine.EnvironmentDev})
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := engine.ErrorCode(err) == engine.ErrCodePolicyViolation; got != tt.policy {
				t.Errorf("Expected policy violation=%v, got %v (%v)", tt.policy, got, err)
			}
		})
	}
}

func TestGenerateSteps(t *testing.T) {
	rt := &fakeRuntime{body: chat("```json\n" + `[
  {"agent_type": "retriever", "action": "retrieve_policies", "description": "r"},
  {"agent_type": "executor", "action": "", "description": "blank"},
  {"agent_type": "executor", "action": "validate_plan", "description": "v"}
]` + "\n```")}
	g := newGenerator(t, rt)

	specs, err := g.GenerateSteps(context.Background(), engine.GenerationRequest{Intent: "x", Environment: engine.EnvironmentProd})
	if err != nil {
		t.Fatalf("GenerateSteps failed: %v", err)
	}
	if len(specs) != 2 || specs[1].Action != "validate_plan" {
		t.Errorf("Expected 2 steps with blank dropped, got %+v", specs)
	}
	if rt.request.Temperature != StepTemperature || rt.request.MaxTokens != StepMaxTokens {
		t.Errorf("Expected step sampling, got %v/%d", rt.request.Temperature, rt.request.MaxTokens)
	}

	rt.body = chat(`{"steps": []}`)
	if _, err := g.GenerateSteps(context.Background(), engine.GenerationRequest{Intent: "x"}); err == nil {
		t.Error("Expected error for non-array response")
	}
	rt.body = chat(`[]`)
	if _, err := g.GenerateSteps(context.Background(), engine.GenerationRequest{Intent: "x"}); err == nil {
		t.Error("Expected error for empty step list")
	}
}
