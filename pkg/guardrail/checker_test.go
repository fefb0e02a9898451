package guardrail

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/policy"
)

func newOPAService(t *testing.T) *Service {
	t.Helper()
	eng, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	return NewService(zerolog.Nop(), Options{PolicyChecker: NewOPAChecker(eng, true)})
}

func TestOPACheckerPassesCompliantConfig(t *testing.T) {
	svc := newOPAService(t)

	result := svc.Validate(context.Background(), config("ml.m5.large", 1, 15.0), engine.EnvironmentDev, engine.Constraints{})
	if !result.Valid || len(result.Warnings) != 0 {
		t.Errorf("Expected clean result, got errors=%v warnings=%v", result.Errors, result.Warnings)
	}
}

func TestOPACheckerReportsFindings(t *testing.T) {
	svc := newOPAService(t)

	cfg := config("ml.m5.large", 1, 15.0)
	cfg.EndpointName = "chatbot_x.dev"
	cfg.MaxPayloadMB = 32

	result := svc.Validate(context.Background(), cfg, engine.EnvironmentDev, engine.Constraints{})
	if result.Valid {
		t.Fatal("Expected naming policy to block")
	}
	if !containsMessage(result.Errors, "Policy endpoint-naming: Endpoint name 'chatbot_x.dev'") {
		t.Errorf("Expected naming error, got %v", result.Errors)
	}
	if !containsMessage(result.Warnings, "Policy payload-limit: max_payload_mb 32") {
		t.Errorf("Expected payload warning, got %v", result.Warnings)
	}
}
