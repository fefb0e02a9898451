package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// similarFailureLimit is the number of past attempts the retry heuristic inspects.
const similarFailureLimit = 5

// replan regenerates the plan after a step failure. Completed steps are kept
// verbatim and the new plan's steps at those positions are dropped.
func (o *Orchestrator) replan(ctx context.Context, r *run, failed *Step) *ExecutionPlan {
	old := r.plan
	logger := r.logger.With().Str("step_id", failed.StepID).Str("action", failed.Action).Logger()
	logger.Info().Int("attempt", old.ReplanCount+1).Msg("Triggering replanning")

	trace := old.Reasoning
	if trace == nil {
		trace = NewReasoningTrace(orchestratorAgent, "Replanning", o.planner.opts.MaxPlanReasoning)
	}
	trace.Add(ReasoningStep{
		Thought: fmt.Sprintf("Replanning due to failure of step: %s", failed.Action),
		Reasoning: fmt.Sprintf("Step %s failed with error: %s. Need to adjust plan to work around this issue.",
			failed.StepID, failed.Error),
		Confidence: 0.7,
		Alternatives: []string{
			"Skip this step",
			"Use alternative approach",
			"Simplify deployment",
		},
		Decision: "Replan with alternative approach",
	})

	if o.opts.Retriever != nil {
		query := fmt.Sprintf("alternative approach for %s %s", failed.Action, r.req.Intent)
		extra, err := o.opts.Retriever.Query(ctx, query, 2)
		if err != nil {
			logger.Warn().Err(err).Msg("Alternative approach retrieval failed")
		} else {
			r.evidence = append(r.evidence, extra...)
		}
	}

	fresh := o.planner.CreatePlan(ctx, PlanningRequest{
		PlanID:      old.PlanID,
		Intent:      fmt.Sprintf("%s (replan after %s failure)", r.req.Intent, failed.Action),
		Environment: r.req.Environment,
		Evidence:    r.evidence,
		Constraints: r.req.Constraints,
	})

	completed := old.CompletedSteps()
	merged := make([]*Step, 0, len(fresh.Steps))
	merged = append(merged, completed...)
	if len(fresh.Steps) > len(completed) {
		merged = append(merged, fresh.Steps[len(completed):]...)
	}

	if fresh.Reasoning != nil {
		trace.Add(ReasoningStep{
			Thought:    "Merged replacement plan",
			Reasoning:  fresh.Reasoning.Conclusion,
			Confidence: fresh.Reasoning.OverallConfidence,
			Decision:   fmt.Sprintf("Kept %d completed steps, %d steps pending", len(completed), len(merged)-len(completed)),
		})
	}

	now := time.Now().UTC()
	next := &ExecutionPlan{
		PlanID:      old.PlanID,
		Steps:       merged,
		CreatedAt:   old.CreatedAt,
		UpdatedAt:   &now,
		Reasoning:   trace,
		ReplanCount: old.ReplanCount + 1,
		MaxReplans:  old.MaxReplans,
	}

	o.metrics.RecordReplan(string(r.req.Environment))
	o.publish(ctx, next.PlanID, failed.StepID, EventTypePlanReplanned, "warning",
		fmt.Sprintf("Replanned after %s failure", failed.Action),
		map[string]interface{}{
			"replan_count":    next.ReplanCount,
			"completed_steps": len(completed),
			"total_steps":     len(merged),
		})

	// Success is deferred until the replanned deployment finishes; see
	// rememberReplanOutcome.
	o.remember(ctx, r.logger, orchestratorAgent,
		fmt.Sprintf("Replanned after %s failure", failed.Action),
		map[string]interface{}{
			"failed_step":  failed.StepID,
			"error":        failed.Error,
			"replan_count": next.ReplanCount,
			"success":      false,
			"pending":      true,
		},
		map[string]interface{}{"plan_id": next.PlanID})

	return next
}

// RetryHeuristic decides from similar past attempts whether a retry is
// worthwhile. No history means retry; any eventual success means retry;
// three or more failures without eventual success mean do not retry.
func RetryHeuristic(past []Experience) bool {
	if len(past) == 0 {
		return true
	}
	failed := 0
	for _, exp := range past {
		if exp.EventuallySucceeded() {
			return true
		}
		if !exp.Succeeded() {
			failed++
		}
	}
	return failed < 3
}

// attemptEvent is the memory key for an executor attempt.
func attemptEvent(action, errMsg string) string {
	if errMsg == "" {
		errMsg = "unknown"
	}
	return action + " " + errMsg
}

// memoryAllowsRetry consults memory. An unreachable memory counts as no history.
func (o *Orchestrator) memoryAllowsRetry(ctx context.Context, action, errMsg string, logger zerolog.Logger) bool {
	if o.opts.Memory == nil {
		return true
	}
	past, err := o.opts.Memory.Recall(ctx, executorAgent, attemptEvent(action, errMsg), similarFailureLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Memory recall failed, assuming no history")
		return true
	}
	return RetryHeuristic(past)
}

// rememberAttempt records a failed executor attempt.
func (o *Orchestrator) rememberAttempt(ctx context.Context, r *run, step *Step, errMsg string) {
	o.remember(ctx, r.logger, executorAgent, attemptEvent(step.Action, errMsg),
		map[string]interface{}{
			"success":     false,
			"step_id":     step.StepID,
			"retry_count": step.RetryCount,
		},
		map[string]interface{}{"plan_id": r.plan.PlanID, "action": step.Action})
}

// rememberRecovery records that a step succeeded after failing with errMsg.
func (o *Orchestrator) rememberRecovery(ctx context.Context, r *run, step *Step, errMsg string) {
	o.remember(ctx, r.logger, executorAgent, attemptEvent(step.Action, errMsg),
		map[string]interface{}{
			"success":              true,
			"eventually_succeeded": true,
			"step_id":              step.StepID,
			"retry_count":          step.RetryCount,
		},
		map[string]interface{}{"plan_id": r.plan.PlanID, "action": step.Action})
}

// rememberReplanOutcome records whether a replanned plan eventually succeeded.
func (o *Orchestrator) rememberReplanOutcome(ctx context.Context, r *run, succeeded bool) {
	o.remember(ctx, r.logger, orchestratorAgent,
		fmt.Sprintf("Replanned deployment outcome: %s", r.req.Intent),
		map[string]interface{}{
			"success":              succeeded,
			"eventually_succeeded": succeeded,
			"replan_count":         r.plan.ReplanCount,
		},
		map[string]interface{}{"plan_id": r.plan.PlanID})
}

func (o *Orchestrator) remember(
	ctx context.Context,
	logger zerolog.Logger,
	agent, event string,
	outcome, metadata map[string]interface{},
) {
	if o.opts.Memory == nil {
		return
	}
	if err := o.opts.Memory.Remember(ctx, agent, event, outcome, metadata); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("Failed to record memory")
	}
}
