package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newStep(action string) *Step {
	return &Step{
		StepID:    "plan-1-step-1",
		AgentType: AgentExecutor,
		Action:    action,
		Status:    StepStatusThinking,
	}
}

func stepContext() StepContext {
	return StepContext{
		PlanID:      "plan-1",
		Config:      testConfig(),
		Environment: EnvironmentDev,
	}
}

func TestExecuteStepDryRun(t *testing.T) {
	executor := NewStepExecutor(nil, nil, zerolog.Nop(), ExecutorOptions{})

	actions := []string{"create_model", "create_endpoint_config", "create_endpoint", "configure_monitoring"}
	for _, action := range actions {
		t.Run(action, func(t *testing.T) {
			step := newStep(action)
			result := executor.ExecuteStep(context.Background(), step, stepContext())

			if !result.Success {
				t.Fatalf("Expected success, got error %q", result.Error)
			}
			if step.Status != StepStatusCompleted {
				t.Errorf("Expected status completed, got %s", step.Status)
			}
			msg, _ := step.Output["message"].(string)
			if !strings.HasPrefix(msg, "[DRY-RUN] Would ") {
				t.Errorf("Expected dry-run message, got %q", msg)
			}
		})
	}
}

func TestExecuteStepValidationSkippedWithoutValidator(t *testing.T) {
	executor := NewStepExecutor(nil, nil, zerolog.Nop(), ExecutorOptions{})
	step := newStep("validate_plan")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if !result.Success {
		t.Fatalf("Expected success, got error %q", result.Error)
	}
	if step.Output["message"] != "Guardrail service not available, validation skipped" {
		t.Errorf("Unexpected message: %v", step.Output["message"])
	}
}

func TestExecuteStepValidationFailure(t *testing.T) {
	validator := &mockValidator{result: ValidationResult{
		Valid:  false,
		Errors: []string{"first problem", "second problem"},
	}}
	executor := NewStepExecutor(validator, nil, zerolog.Nop(), ExecutorOptions{})
	step := newStep("validate_plan")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if result.Success {
		t.Fatal("Expected failure")
	}
	if result.Error != "first problem; second problem" {
		t.Errorf("Unexpected error: %q", result.Error)
	}
	if result.NeedsReplan || step.NeedsReplan {
		t.Error("Expected validation failure not to request replanning")
	}
	if step.Status != StepStatusFailed {
		t.Errorf("Expected status failed, got %s", step.Status)
	}
}

func TestExecuteStepUnknownActionIsNoop(t *testing.T) {
	provisioner := newMockProvisioner()
	executor := NewStepExecutor(nil, provisioner, zerolog.Nop(), ExecutorOptions{})
	step := newStep("warm_up_cache")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if !result.Success {
		t.Fatalf("Expected success, got error %q", result.Error)
	}
	if step.Output["message"] != "Action warm_up_cache not implemented, skipped" {
		t.Errorf("Unexpected message: %v", step.Output["message"])
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("Expected no provisioner calls, got %v", provisioner.calls)
	}
}

func TestExecuteStepProvisionFailureNeedsReplan(t *testing.T) {
	provisioner := newMockProvisioner()
	provisioner.failModel = 1
	executor := NewStepExecutor(nil, provisioner, zerolog.Nop(), ExecutorOptions{})
	step := newStep("create_model")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if result.Success {
		t.Fatal("Expected failure")
	}
	if !result.NeedsReplan || !step.NeedsReplan {
		t.Error("Expected provisioning failure to request replanning")
	}
	if step.Error != "failed to create model: boom" {
		t.Errorf("Unexpected error: %q", step.Error)
	}

	// Second attempt succeeds and clears the failure.
	result = executor.ExecuteStep(context.Background(), step, stepContext())
	if !result.Success {
		t.Fatalf("Expected success, got error %q", result.Error)
	}
	if step.Error != "" || step.NeedsReplan {
		t.Error("Expected error and needs_replan to be cleared")
	}
}

func TestExecuteStepEndpointFailedState(t *testing.T) {
	provisioner := newMockProvisioner()
	provisioner.endpointState = EndpointStateFailed
	executor := NewStepExecutor(nil, provisioner, zerolog.Nop(), ExecutorOptions{})
	step := newStep("create_endpoint")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if result.Success {
		t.Fatal("Expected failure")
	}
	if !result.NeedsReplan {
		t.Error("Expected needs_replan")
	}
	if !strings.Contains(result.Error, "Failed") {
		t.Errorf("Expected error to mention the state, got %q", result.Error)
	}
}

func TestExecuteStepRecoversPanic(t *testing.T) {
	provisioner := newMockProvisioner()
	provisioner.panicOn = "create_endpoint_config"
	executor := NewStepExecutor(nil, provisioner, zerolog.Nop(), ExecutorOptions{})
	step := newStep("create_endpoint_config")

	result := executor.ExecuteStep(context.Background(), step, stepContext())
	if result.Success {
		t.Fatal("Expected failure")
	}
	if result.Error != "provisioner exploded" {
		t.Errorf("Expected panic message, got %q", result.Error)
	}
	if step.Status != StepStatusFailed {
		t.Errorf("Expected status failed, got %s", step.Status)
	}
}

func TestExecuteStepMissingAlarms(t *testing.T) {
	provisioner := newMockProvisioner()
	provisioner.missingAlarms = []string{"latency-p99"}
	executor := NewStepExecutor(nil, provisioner, zerolog.Nop(), ExecutorOptions{})

	sc := stepContext()
	sc.Config.RollbackAlarms = []string{"latency-p99", "error-rate"}
	step := newStep("configure_monitoring")

	result := executor.ExecuteStep(context.Background(), step, sc)
	if !result.Success {
		t.Fatalf("Expected success, got error %q", result.Error)
	}
	missing, ok := step.Output["missing_alarms"].([]string)
	if !ok || len(missing) != 1 || missing[0] != "latency-p99" {
		t.Errorf("Expected missing alarm latency-p99, got %v", step.Output["missing_alarms"])
	}
}
