package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sagepilot/sagepilot/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func devConfig() *engine.DeploymentConfiguration {
	return &engine.DeploymentConfiguration{
		ModelName:        "llama-3-8b-dev",
		EndpointName:     "chatbot-x-dev",
		InstanceType:     "ml.m5.large",
		InstanceCount:    1,
		MaxPayloadMB:     6,
		AutoscalingMin:   1,
		AutoscalingMax:   2,
		BudgetUSDPerHour: 15,
	}
}

func input(cfg *engine.DeploymentConfiguration, env string) *PolicyInput {
	return &PolicyInput{
		Config:           cfg,
		EstimatedCostUSD: 0.115,
		Context:          &PolicyContext{Environment: env, Operation: "validate"},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	expected := []string{"accelerator-usage", "autoscaling-range", "endpoint-naming", "payload-limit"}
	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Expected %s to be an enabled built-in", name)
		}
	}
}

func TestEvaluateCompliantConfig(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), input(devConfig(), "dev"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected config to be allowed, got violations %v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %d", len(result.EvaluatedPolicies))
	}
}

func TestEvaluateFindings(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		mutate        func(*engine.DeploymentConfiguration)
		env           string
		wantAllowed   bool
		wantPolicy    string
		wantSubstring string
	}{
		{
			name:          "dotted endpoint name",
			mutate:        func(c *engine.DeploymentConfiguration) { c.EndpointName = "llama-3.1-dev" },
			env:           "dev",
			wantAllowed:   false,
			wantPolicy:    "endpoint-naming",
			wantSubstring: "llama-3.1-dev",
		},
		{
			name:          "trailing hyphen",
			mutate:        func(c *engine.DeploymentConfiguration) { c.EndpointName = "chatbot-" },
			env:           "dev",
			wantAllowed:   false,
			wantPolicy:    "endpoint-naming",
			wantSubstring: "must not start or end with a hyphen",
		},
		{
			name:          "long endpoint name",
			mutate:        func(c *engine.DeploymentConfiguration) { c.EndpointName = strings.Repeat("a", 64) },
			env:           "dev",
			wantAllowed:   false,
			wantPolicy:    "endpoint-naming",
			wantSubstring: "exceeds 63 characters",
		},
		{
			name:          "large payload",
			mutate:        func(c *engine.DeploymentConfiguration) { c.MaxPayloadMB = 20 },
			env:           "dev",
			wantAllowed:   true,
			wantPolicy:    "payload-limit",
			wantSubstring: "max_payload_mb 20",
		},
		{
			name:          "count above autoscaling max",
			mutate:        func(c *engine.DeploymentConfiguration) { c.InstanceCount = 3 },
			env:           "staging",
			wantAllowed:   true,
			wantPolicy:    "autoscaling-range",
			wantSubstring: "above autoscaling_max 2",
		},
		{
			name:          "gpu in dev",
			mutate:        func(c *engine.DeploymentConfiguration) { c.InstanceType = "ml.g5.12xlarge" },
			env:           "dev",
			wantAllowed:   true,
			wantPolicy:    "accelerator-usage",
			wantSubstring: "ml.g5.12xlarge requested for dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := devConfig()
			tt.mutate(cfg)

			result, err := eng.Evaluate(context.Background(), input(cfg, tt.env))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v", tt.wantAllowed, result.Allowed)
			}

			findings := append(append([]PolicyViolation(nil), result.Violations...), result.Warnings...)
			found := false
			for _, v := range findings {
				if v.Policy == tt.wantPolicy && strings.Contains(v.Message, tt.wantSubstring) {
					found = true
					if v.Resource != cfg.EndpointName {
						t.Errorf("Expected resource %s, got %s", cfg.EndpointName, v.Resource)
					}
				}
			}
			if !found {
				t.Errorf("Expected %s finding containing %q, got %v", tt.wantPolicy, tt.wantSubstring, findings)
			}
		})
	}
}

func TestGPUAllowedInProd(t *testing.T) {
	eng := newTestEngine(t)
	cfg := devConfig()
	cfg.InstanceType = "ml.g5.12xlarge"
	cfg.InstanceCount = 2

	result, err := eng.Evaluate(context.Background(), input(cfg, "prod"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings in prod, got %v", result.Warnings)
	}
}

func TestEvaluateRequiresConfig(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Evaluate(context.Background(), &PolicyInput{}); err == nil {
		t.Error("Expected error for missing config")
	}
}

func TestDisableAndEnablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	cfg := devConfig()
	cfg.EndpointName = "bad_name"

	if err := eng.DisablePolicy("endpoint-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, _ := eng.Evaluate(context.Background(), input(cfg, "dev"))
	if !result.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}

	if err := eng.EnablePolicy("endpoint-naming"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, _ = eng.Evaluate(context.Background(), input(cfg, "dev"))
	if result.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "prod-alarms",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package custom.alarms

import rego.v1

deny contains violation if {
	input.context.environment == "prod"
	count(input.config.rollback_alarms) == 0
	violation := {"message": "prod endpoints need alarms", "remediation": "add ModelMonitorAlarm"}
}
`,
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected built-ins plus custom policy, got %d", len(eng.ListPolicies()))
	}

	result, err := eng.Evaluate(ctx, input(devConfig(), "prod"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one blocking violation, got %v", result.Violations)
	}
	v := result.Violations[0]
	if v.Severity != SeverityCritical || v.Remediation != "add ModelMonitorAlarm" {
		t.Errorf("Unexpected violation: %+v", v)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains x if {"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Error("Expected compile error")
	}
	if _, err := eng.GetPolicy("prod-alarms"); err != nil {
		t.Errorf("Expected previous set to stay active, got %v", err)
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("prod-alarms"); err == nil {
		t.Error("Expected reload to drop custom policies")
	}
}

func TestExtractPackageName(t *testing.T) {
	if got := extractPackageName("package a.b.c\n\nimport rego.v1\n"); got != "a.b.c" {
		t.Errorf("Expected a.b.c, got %s", got)
	}
	if got := extractPackageName("deny := true"); got != "sagepilot.policies" {
		t.Errorf("Expected default package, got %s", got)
	}
}
