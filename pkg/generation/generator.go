package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// Sampling used for step generation.
const (
	StepTemperature = 0.2
	StepMaxTokens   = 1500
)

const configSystemPrompt = `You are a deployment coordinator. Given a user intent and policy documents, produce one JSON object describing an inference endpoint deployment. Do not execute any commands. If the request violates policy, return {"error": "policy_violation", "details": "..."}.

The JSON must have these fields:
{
  "model_name": "string (lowercase, hyphens only)",
  "endpoint_name": "string (lowercase, hyphens only)",
  "instance_type": "string (e.g., ml.m5.large, ml.g5.12xlarge)",
  "instance_count": 1-4,
  "max_payload_mb": 1-1024,
  "autoscaling_min": 1-4,
  "autoscaling_max": 1-8,
  "rollback_alarms": ["alarm names"],
  "budget_usd_per_hour": number > 0
}

Constraints:
- dev deployments must use ml.m5.large
- prod deployments need instance_count >= 2
- staging max budget $15/hour, prod max budget $50/hour`

const stepsSystemPrompt = `You are a planning agent. Break a deployment intent into ordered, executable steps. Each step names the responsible agent (planner, retriever, executor, monitor), an action, and a short description.

Allowed actions: retrieve_policies, generate_config, validate_plan, create_model, create_endpoint_config, create_endpoint, configure_monitoring, verify_deployment.

Return a JSON array such as:
[
  {"agent_type": "retriever", "action": "retrieve_policies", "description": "Retrieve deployment policies"},
  {"agent_type": "executor", "action": "validate_plan", "description": "Validate against guardrails"}
]

Return ONLY the JSON array, no markdown, no explanation.`

// Generator produces deployment configurations and plan steps with an LLM.
type Generator struct {
	client *Client
	logger zerolog.Logger
}

var (
	_ engine.ConfigGenerator = (*Generator)(nil)
	_ engine.StepGenerator   = (*Generator)(nil)
)

// NewGenerator wraps client.
func NewGenerator(client *Client, logger zerolog.Logger) *Generator {
	return &Generator{
		client: client,
		logger: logger.With().Str("component", "generator").Logger(),
	}
}

type modelRefusal struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// GenerateConfiguration asks the model for a deployment configuration. A
// policy refusal from the model is a permanent POLICY_VIOLATION error.
func (g *Generator) GenerateConfiguration(ctx context.Context, req engine.GenerationRequest) (*engine.DeploymentConfiguration, error) {
	text, err := g.client.Complete(ctx, []Message{
		{Role: "system", Content: configSystemPrompt},
		{Role: "user", Content: userPrompt(req, "Generate the deployment configuration JSON for this intent. Return ONLY valid JSON, no markdown, no explanation.")},
	}, DefaultTemperature, DefaultMaxTokens)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := DecodeObject(text, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if _, refused := raw["error"]; refused {
		var refusal modelRefusal
		_ = DecodeObject(text, &refusal)
		details := refusal.Details
		if details == "" {
			details = "Unknown error"
		}
		return nil, engine.NewPermanentError("model refused configuration", fmt.Errorf("%s", details)).
			WithCode(engine.ErrCodePolicyViolation)
	}

	var cfg engine.DeploymentConfiguration
	if err := DecodeObject(text, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.ModelName == "" || cfg.EndpointName == "" || cfg.InstanceType == "" {
		return nil, fmt.Errorf("generated configuration is missing model_name, endpoint_name or instance_type")
	}

	g.logger.Info().
		Str("endpoint", cfg.EndpointName).
		Str("instance_type", cfg.InstanceType).
		Int("instance_count", cfg.InstanceCount).
		Msg("Generated configuration")
	return &cfg, nil
}

// GenerateSteps asks the model for an ordered step list. Steps without an
// action are dropped.
func (g *Generator) GenerateSteps(ctx context.Context, req engine.GenerationRequest) ([]engine.StepSpec, error) {
	text, err := g.client.Complete(ctx, []Message{
		{Role: "system", Content: stepsSystemPrompt},
		{Role: "user", Content: userPrompt(req, "Generate a step-by-step execution plan as a JSON array of steps.")},
	}, StepTemperature, StepMaxTokens)
	if err != nil {
		return nil, err
	}

	var specs []engine.StepSpec
	if err := json.Unmarshal([]byte(StripFences(text)), &specs); err != nil {
		return nil, fmt.Errorf("expected JSON array of steps: %w", err)
	}

	out := specs[:0]
	for _, s := range specs {
		if strings.TrimSpace(s.Action) == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model returned no steps")
	}
	return out, nil
}

func userPrompt(req engine.GenerationRequest, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Intent: %s\n", req.Intent)
	fmt.Fprintf(&b, "Target Environment: %s\n\n", req.Environment)

	b.WriteString("Relevant Policy Documents:\n")
	for i, ev := range req.Evidence {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", ev.Title, ev.Snippet)
	}

	if req.Constraints.BudgetUSDPerHour > 0 {
		fmt.Fprintf(&b, "\nBudget constraint: $%s/hour\n",
			strconv.FormatFloat(req.Constraints.BudgetUSDPerHour, 'f', -1, 64))
	}

	b.WriteString("\n")
	b.WriteString(instruction)
	return b.String()
}
