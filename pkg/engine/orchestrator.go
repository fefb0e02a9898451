package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	executorAgent     = "executor"
	orchestratorAgent = "orchestrator"
)

// PlanRequest is the input to Orchestrator.ExecuteDeploymentPlan.
type PlanRequest struct {
	PlanID      string
	Intent      string
	Environment Environment
	Config      DeploymentConfiguration
	Evidence    []Evidence
	Constraints Constraints

	// Plan resumes an existing execution plan. Completed steps are kept and
	// skipped. When nil a new plan is created.
	Plan *ExecutionPlan
}

// CheckpointFunc receives the plan after every step transition. The plan is
// owned by the orchestrator; implementations must copy it before retaining it.
type CheckpointFunc func(ctx context.Context, plan *ExecutionPlan)

// OrchestratorOptions configures the optional collaborators of an Orchestrator.
type OrchestratorOptions struct {
	// Retriever supplies additional evidence for retriever steps and replanning.
	Retriever EvidenceRetriever

	// Memory informs retry decisions and records replanning episodes.
	Memory ExperienceMemory

	// Events receives engine events.
	Events EventPublisher

	// Metrics receives step, retry, replan and plan measurements.
	Metrics MetricsRecorder

	// Tracer creates plan and step spans. Defaults to the global tracer.
	Tracer trace.Tracer

	// Checkpoint is called after each step transition.
	Checkpoint CheckpointFunc

	// WaitForBackoff makes the loop sleep for the Monitor's backoff delay
	// before each retry. The wait is cancellable.
	WaitForBackoff bool

	// Logger is the base logger.
	Logger zerolog.Logger
}

// Orchestrator runs the step loop for one plan at a time per call. It holds
// no per-plan state and may drive different plans concurrently.
type Orchestrator struct {
	planner  *Planner
	executor *StepExecutor
	monitor  *Monitor
	opts     OrchestratorOptions
	metrics  MetricsRecorder
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(planner *Planner, executor *StepExecutor, monitor *Monitor, opts OrchestratorOptions) *Orchestrator {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/sagepilot/sagepilot/pkg/engine")
	}
	return &Orchestrator{
		planner:  planner,
		executor: executor,
		monitor:  monitor,
		opts:     opts,
		metrics:  metrics,
		tracer:   tracer,
		logger:   opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Monitor returns the orchestrator's monitor.
func (o *Orchestrator) Monitor() *Monitor {
	return o.monitor
}

// run carries the mutable state of one ExecuteDeploymentPlan call.
type run struct {
	req      PlanRequest
	plan     *ExecutionPlan
	evidence []Evidence
	logger   zerolog.Logger
}

// ExecuteDeploymentPlan plans (or resumes) and executes a deployment plan.
// It always returns the evolved plan; failures are expressed through step
// statuses, never as an error. Cancelling ctx stops the loop before the
// next step.
func (o *Orchestrator) ExecuteDeploymentPlan(ctx context.Context, req PlanRequest) *ExecutionPlan {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.String("plan.id", req.PlanID),
		attribute.String("plan.environment", string(req.Environment)),
	))
	defer span.End()

	r := &run{
		req:      req,
		evidence: append([]Evidence(nil), req.Evidence...),
		logger:   o.logger.With().Str("plan_id", req.PlanID).Logger(),
	}

	r.plan = req.Plan
	if r.plan == nil || len(r.plan.Steps) == 0 {
		r.plan = o.planner.CreatePlan(ctx, PlanningRequest{
			PlanID:      req.PlanID,
			Intent:      req.Intent,
			Environment: req.Environment,
			Evidence:    r.evidence,
			Constraints: req.Constraints,
		})
	}
	if r.plan.MaxReplans <= 0 {
		r.plan.MaxReplans = DefaultMaxReplans
	}

	if missing := MissingActions(r.plan); len(missing) > 0 {
		o.publish(ctx, r.plan.PlanID, "", EventTypePlanSelfCheckFailed, "warning",
			fmt.Sprintf("Plan is missing required actions: %v", missing),
			map[string]interface{}{"missing_actions": missing})
	}

	o.publish(ctx, r.plan.PlanID, "", EventTypePlanStarted, "info",
		fmt.Sprintf("Executing plan with %d steps", len(r.plan.Steps)), nil)
	r.logger.Info().Int("steps", len(r.plan.Steps)).Msg("Starting deployment execution")

	cancelled := o.loop(ctx, r)

	assessment := o.monitor.AssessPlan(r.plan)
	now := time.Now().UTC()
	r.plan.UpdatedAt = &now
	o.checkpoint(ctx, r.plan)

	o.finish(ctx, r, assessment, cancelled, time.Since(start))

	span.SetAttributes(
		attribute.String("plan.status", string(assessment.Status)),
		attribute.Int("plan.replan_count", r.plan.ReplanCount),
	)
	if assessment.Status == MonitorStatusCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(assessment.Status))
	}

	return r.plan
}

// loop walks the steps by index so replanning can rewind the cursor. It
// returns true if the context was cancelled.
func (o *Orchestrator) loop(ctx context.Context, r *run) bool {
	idx := 0
	for idx < len(r.plan.Steps) {
		if ctx.Err() != nil {
			r.logger.Info().Int("step_index", idx).Msg("Plan execution cancelled")
			return true
		}

		step := r.plan.Steps[idx]
		if step.Status == StepStatusCompleted {
			idx++
			continue
		}

		if needsContext(step) {
			o.attachContext(ctx, r, step)
		}

		switch step.AgentType {
		case AgentRetriever:
			o.complete(step, map[string]interface{}{
				"message":        "RAG retrieval already completed",
				"evidence_count": len(r.evidence),
			})

		case AgentPlanner, AgentSystem:
			if step.ParsedAction() == ActionGenerateConfig {
				o.complete(step, map[string]interface{}{
					"message":       "Deployment configuration generated",
					"endpoint_name": r.req.Config.EndpointName,
					"instance_type": r.req.Config.InstanceType,
				})
			} else {
				o.complete(step, map[string]interface{}{
					"message": fmt.Sprintf("No handler for %s step %s, skipped", step.AgentType, step.Action),
				})
			}

		case AgentMonitor:
			o.complete(step, map[string]interface{}{
				"message": fmt.Sprintf("Monitoring configured for %s", step.Action),
				"status":  "active",
			})

		default:
			if !o.executeWithRetry(ctx, r, step) {
				// A pause, delete or shutdown mid-step is not a step failure.
				if ctx.Err() != nil {
					r.logger.Info().Str("step_id", step.StepID).Msg("Plan execution cancelled during step")
					o.checkpoint(ctx, r.plan)
					return true
				}
				if step.NeedsReplan && r.plan.ReplanCount < r.plan.MaxReplans {
					r.plan = o.replan(ctx, r, step)
					o.checkpoint(ctx, r.plan)
					idx = 0
					continue
				}
				if step.NeedsReplan {
					r.logger.Error().Int("max_replans", r.plan.MaxReplans).
						Str("step_id", step.StepID).
						Msg("Max replans reached, stopping")
				} else {
					r.logger.Error().Str("step_id", step.StepID).
						Msg("Step failed and cannot be retried or replanned, stopping")
				}
				o.checkpoint(ctx, r.plan)
				return false
			}
		}

		o.checkpoint(ctx, r.plan)
		idx++
	}
	return false
}

// executeWithRetry runs an executor step and retries it while both the
// Monitor and the memory heuristic agree. It reports whether the step
// completed.
func (o *Orchestrator) executeWithRetry(ctx context.Context, r *run, step *Step) bool {
	sc := StepContext{
		PlanID:      r.plan.PlanID,
		Config:      r.req.Config,
		Environment: r.req.Environment,
		Constraints: r.req.Constraints,
	}

	result := o.executeStep(ctx, r, step, sc)
	var lastError string
	for !result.Success {
		lastError = result.Error
		if ctx.Err() != nil {
			return false
		}
		retry := o.monitor.ShouldRetry(step) && o.memoryAllowsRetry(ctx, step.Action, result.Error, r.logger)
		o.rememberAttempt(ctx, r, step, result.Error)
		if !retry {
			return false
		}

		delay := o.monitor.NextBackoffDelay(step.RetryCount)
		o.monitor.MarkForRetry(step)
		o.metrics.RecordStepRetry(step.Action)
		o.publish(ctx, r.plan.PlanID, step.StepID, EventTypeStepRetrying, "warning",
			fmt.Sprintf("Retrying %s (attempt %d)", step.Action, step.RetryCount+1),
			map[string]interface{}{"retry_count": step.RetryCount, "delay_seconds": delay.Seconds()})
		r.logger.Warn().Str("step_id", step.StepID).Str("action", step.Action).
			Int("retry_count", step.RetryCount).Msg("Step failed, retrying")
		o.checkpoint(ctx, r.plan)

		if o.opts.WaitForBackoff {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// The retry never ran; leave the step as it was after the
				// failed attempt so a resume picks it up.
				step.RetryCount--
				step.Status = StepStatusFailed
				return false
			}
		}

		result = o.executeStep(ctx, r, step, sc)
	}

	if lastError != "" {
		o.rememberRecovery(ctx, r, step, lastError)
	}
	return true
}

// executeStep runs one attempt inside a span and records its metrics.
func (o *Orchestrator) executeStep(ctx context.Context, r *run, step *Step, sc StepContext) StepResult {
	ctx, span := o.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.id", step.StepID),
		attribute.String("step.action", step.Action),
		attribute.Int("step.retry_count", step.RetryCount),
	))
	defer span.End()

	o.publish(ctx, r.plan.PlanID, step.StepID, EventTypeStepStarted, "info",
		fmt.Sprintf("Started %s", step.Action), nil)

	result := o.executor.ExecuteStep(ctx, step, sc)

	status := string(StepStatusCompleted)
	if result.Success {
		span.SetStatus(codes.Ok, "")
		o.publish(ctx, r.plan.PlanID, step.StepID, EventTypeStepCompleted, "info",
			fmt.Sprintf("Completed %s", step.Action), nil)
	} else {
		status = string(StepStatusFailed)
		span.SetStatus(codes.Error, result.Error)
		o.publish(ctx, r.plan.PlanID, step.StepID, EventTypeStepFailed, "error",
			fmt.Sprintf("Failed %s: %s", step.Action, result.Error),
			map[string]interface{}{"needs_replan": result.NeedsReplan})
	}
	o.metrics.RecordStepExecution(step.Action, status, result.Duration)
	return result
}

// complete marks a pre-satisfied step as completed.
func (o *Orchestrator) complete(step *Step, output map[string]interface{}) {
	step.Status = StepStatusCompleted
	step.Output = output
	step.Error = ""
	step.Timestamp = time.Now().UTC()
}

// needsContext reports whether the step asks for additional evidence.
func needsContext(step *Step) bool {
	if step.AgentType == AgentRetriever {
		return true
	}
	v, _ := step.Input["needs_context"].(bool)
	return v
}

// attachContext retrieves additional evidence for a step. Retrieval
// failures leave the step unchanged.
func (o *Orchestrator) attachContext(ctx context.Context, r *run, step *Step) {
	if o.opts.Retriever == nil {
		return
	}
	query := fmt.Sprintf("%s %s %s", step.Action, r.req.Intent, r.req.Environment)
	extra, err := o.opts.Retriever.Query(ctx, query, 2)
	if err != nil {
		r.logger.Warn().Err(err).Str("step_id", step.StepID).Msg("Additional retrieval failed")
		return
	}
	if len(extra) == 0 {
		return
	}
	if step.Input == nil {
		step.Input = make(map[string]interface{})
	}
	step.Input["additional_evidence"] = extra
}

// finish publishes the outcome and records plan metrics.
func (o *Orchestrator) finish(ctx context.Context, r *run, assessment MonitoringResult, cancelled bool, duration time.Duration) {
	o.metrics.RecordPlanCompleted(string(assessment.Status), duration)

	switch {
	case cancelled:
		o.publish(ctx, r.plan.PlanID, "", EventTypePlanCancelled, "warning", "Plan execution cancelled", nil)
	case assessment.Status == MonitorStatusCompleted:
		o.publish(ctx, r.plan.PlanID, "", EventTypePlanCompleted, "info", "Plan completed successfully", nil)
	default:
		o.publish(ctx, r.plan.PlanID, "", EventTypePlanFailed, "error",
			fmt.Sprintf("Plan finished with status: %s", assessment.Status), nil)
	}

	if r.plan.ReplanCount > 0 && !cancelled {
		o.rememberReplanOutcome(ctx, r, assessment.Status == MonitorStatusCompleted)
	}

	r.logger.Info().
		Str("status", string(assessment.Status)).
		Int("replan_count", r.plan.ReplanCount).
		Dur("duration", duration).
		Msg("Deployment execution finished")
}

func (o *Orchestrator) checkpoint(ctx context.Context, plan *ExecutionPlan) {
	if o.opts.Checkpoint != nil {
		o.opts.Checkpoint(ctx, plan)
	}
}

// publish sends an event. Publishing failures are logged and ignored.
func (o *Orchestrator) publish(
	ctx context.Context,
	planID, stepID string,
	eventType EventType,
	level, message string,
	details map[string]interface{},
) {
	if o.opts.Events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		PlanID:    planID,
		StepID:    stepID,
		Message:   message,
		Details:   details,
		Level:     level,
	}
	if err := o.opts.Events.Publish(ctx, event); err != nil {
		o.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
