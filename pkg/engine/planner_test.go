package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func planningRequest() PlanningRequest {
	return PlanningRequest{
		PlanID:      "plan-1",
		Intent:      "deploy llama chatbot",
		Environment: EnvironmentDev,
		Evidence: []Evidence{
			{Title: "Dev policy", Snippet: "Dev endpoints use ml.m5.large"},
		},
	}
}

func TestCreatePlanDefaultPipeline(t *testing.T) {
	planner := NewPlanner(nil, nil, zerolog.Nop(), PlannerOptions{})
	plan := planner.CreatePlan(context.Background(), planningRequest())

	defaults := DefaultSteps()
	if len(plan.Steps) != len(defaults) {
		t.Fatalf("Expected %d steps, got %d", len(defaults), len(plan.Steps))
	}
	for i, step := range plan.Steps {
		if step.Action != defaults[i].Action {
			t.Errorf("Step %d: expected action %s, got %s", i, defaults[i].Action, step.Action)
		}
		if want := fmt.Sprintf("plan-1-step-%d", i+1); step.StepID != want {
			t.Errorf("Step %d: expected ID %s, got %s", i, want, step.StepID)
		}
		if step.Status != StepStatusThinking {
			t.Errorf("Step %d: expected status thinking, got %s", i, step.Status)
		}
		if step.Reasoning == nil || step.Reasoning.Len() != 1 {
			t.Errorf("Step %d: expected one reasoning note", i)
		}
		if step.Input["intent"] != "deploy llama chatbot" {
			t.Errorf("Step %d: unexpected input %v", i, step.Input)
		}
	}
	if plan.MaxReplans != DefaultMaxReplans {
		t.Errorf("Expected max replans %d, got %d", DefaultMaxReplans, plan.MaxReplans)
	}
	if len(MissingActions(plan)) != 0 {
		t.Errorf("Expected default plan to contain every required action, missing %v", MissingActions(plan))
	}
}

func TestCreatePlanGeneratorFailureFallsBack(t *testing.T) {
	tests := []struct {
		name      string
		generator *mockGenerator
	}{
		{"error", &mockGenerator{err: errors.New("model unavailable")}},
		{"empty", &mockGenerator{specs: []StepSpec{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := NewPlanner(tt.generator, nil, zerolog.Nop(), PlannerOptions{})
			plan := planner.CreatePlan(context.Background(), planningRequest())
			if len(plan.Steps) != len(DefaultSteps()) {
				t.Errorf("Expected default plan, got %d steps", len(plan.Steps))
			}
			if tt.generator.calls != 1 {
				t.Errorf("Expected one generator call, got %d", tt.generator.calls)
			}
		})
	}
}

func TestCreatePlanSelfCheckIsAdvisory(t *testing.T) {
	generator := &mockGenerator{specs: []StepSpec{
		{AgentType: "executor", Action: "create_model", Description: "Create model"},
		{AgentType: "wizard", Description: "Warm up cache"},
	}}
	planner := NewPlanner(generator, nil, zerolog.Nop(), PlannerOptions{})
	plan := planner.CreatePlan(context.Background(), planningRequest())

	if len(plan.Steps) != 2 {
		t.Fatalf("Expected generated plan to be accepted, got %d steps", len(plan.Steps))
	}
	if plan.Steps[1].Action != "warm_up_cache" {
		t.Errorf("Expected action derived from description, got %s", plan.Steps[1].Action)
	}
	if plan.Steps[1].AgentType != AgentExecutor {
		t.Errorf("Expected unknown agent to map to executor, got %s", plan.Steps[1].AgentType)
	}

	missing := MissingActions(plan)
	if len(missing) != 2 || missing[0] != "validate_plan" || missing[1] != "create_endpoint" {
		t.Errorf("Expected validate_plan and create_endpoint missing, got %v", missing)
	}

	found := false
	for _, step := range plan.Reasoning.Steps {
		if step.Decision == "Plan missing: [validate_plan, create_endpoint]" {
			found = true
		}
	}
	if !found {
		t.Error("Expected self-check observation in the plan trace")
	}
}

func TestCreatePlanUsesMemory(t *testing.T) {
	memory := newMockMemory()
	_ = memory.Remember(context.Background(), "planner", "Planned deployment: deploy llama chatbot",
		map[string]interface{}{"success": true}, nil)

	planner := NewPlanner(nil, memory, zerolog.Nop(), PlannerOptions{})
	plan := planner.CreatePlan(context.Background(), planningRequest())

	thoughts := make(map[string]bool)
	for _, step := range plan.Reasoning.Steps {
		thoughts[step.Thought] = true
	}
	if !thoughts["Checking past similar deployments"] {
		t.Error("Expected recall observation")
	}
	if !thoughts["Applying lessons from past deployments"] {
		t.Error("Expected lessons observation")
	}
	if n := len(memory.find("planner", "Planned deployment: ")); n != 2 {
		t.Errorf("Expected planning episode to be recorded, got %d episodes", n)
	}
}

func TestCreatePlanMemoryFailureDegrades(t *testing.T) {
	memory := newMockMemory()
	memory.recallErr = errors.New("memory offline")

	planner := NewPlanner(nil, memory, zerolog.Nop(), PlannerOptions{})
	plan := planner.CreatePlan(context.Background(), planningRequest())
	if len(plan.Steps) != len(DefaultSteps()) {
		t.Errorf("Expected default plan, got %d steps", len(plan.Steps))
	}
}

func TestCreatePlanIterationBudget(t *testing.T) {
	memory := newMockMemory()
	_ = memory.Remember(context.Background(), "planner", "Planned deployment: deploy llama chatbot",
		map[string]interface{}{"success": false}, nil)

	planner := NewPlanner(nil, memory, zerolog.Nop(), PlannerOptions{MaxIterations: 2})
	plan := planner.CreatePlan(context.Background(), planningRequest())
	if plan.Reasoning.Len() != 2 {
		t.Errorf("Expected reasoning capped at 2 iterations, got %d", plan.Reasoning.Len())
	}
}
