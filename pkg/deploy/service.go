package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

const (
	// evidenceTopK is the number of documents retrieved for an intent.
	evidenceTopK = 3

	fallbackBudgetUSD = 15.0
	prodBudgetUSD     = 50.0

	outcomeAgent = "planner"
)

// Guardrail validates configurations and decides on approval.
type Guardrail interface {
	engine.Validator
	RequiresApproval(ctx context.Context, cfg engine.DeploymentConfiguration, env engine.Environment) bool
}

// Executor runs an execution plan to completion.
type Executor interface {
	ExecuteDeploymentPlan(ctx context.Context, req engine.PlanRequest) *engine.ExecutionPlan
}

// Workers runs plan jobs in the background.
type Workers interface {
	Submit(ctx context.Context, planID string, job engine.Job) error
	Cancel(planID string) bool
}

// Assessor derives a plan status from its steps.
type Assessor interface {
	AssessPlan(plan *engine.ExecutionPlan) engine.MonitoringResult
}

// Memory records outcomes and forgets deleted plans.
type Memory interface {
	engine.ExperienceMemory
	LearnPattern(ctx context.Context, agent, pattern, lesson string, successRate float64, examples int) error
	ForgetPlan(ctx context.Context, planID string) (int64, error)
}

// Metrics receives lifecycle measurements.
type Metrics interface {
	RecordPlanSubmitted(environment, status string)
	SetActiveDeployments(count int)
}

// EndpointLister lists endpoints currently in service.
type EndpointLister interface {
	InServiceEndpoints(ctx context.Context) ([]string, error)
}

// Options configures a Service. Repository, Guardrail, Executor and Workers
// are required.
type Options struct {
	Repository engine.PlanStore
	Guardrail  Guardrail
	Executor   Executor
	Workers    Workers

	// Assessor maps execution results to outcomes. Defaults to a Monitor.
	Assessor Assessor

	// Retriever supplies evidence for new intents. Optional.
	Retriever engine.EvidenceRetriever

	// Generator produces configurations. Without one, or when it fails, a
	// deterministic configuration is used.
	Generator engine.ConfigGenerator

	// Provisioner deletes resources on hard delete. Optional.
	Provisioner engine.Provisioner

	// Endpoints adds endpoints not tracked by any plan to Active. Optional.
	Endpoints EndpointLister

	Memory  Memory
	Audit   engine.AuditSink
	Metrics Metrics
	Tracer  trace.Tracer
	Logger  zerolog.Logger
}

// SubmitRequest is a deployment intent.
type SubmitRequest struct {
	UserID      string
	Intent      string
	Environment engine.Environment
	Constraints engine.Constraints
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	PlanDeleted      bool     `json:"plan_deleted"`
	ResourcesDeleted bool     `json:"resources_deleted"`
	MemoryDeleted    bool     `json:"memory_deleted"`
	MemoryCount      int64    `json:"memory_count"`
	Errors           []string `json:"errors"`
}

// ActiveDeployment is one deploying or deployed endpoint.
type ActiveDeployment struct {
	PlanID       string `json:"plan_id,omitempty"`
	EndpointName string `json:"endpoint_name"`
	Status       string `json:"status"`
	Environment  string `json:"environment"`
	InstanceType string `json:"instance_type"`
}

// Service owns the deployment plan lifecycle: submission, approval,
// execution on workers, pause, restart and deletion.
type Service struct {
	opts   Options
	tracer trace.Tracer
	logger zerolog.Logger

	// mu serializes read-modify-write cycles on plan records.
	mu      sync.Mutex
	running atomic.Int64

	now   func() time.Time
	newID func() string
}

// NewService creates a lifecycle service.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Repository == nil:
		return nil, fmt.Errorf("deploy service requires a repository")
	case opts.Guardrail == nil:
		return nil, fmt.Errorf("deploy service requires a guardrail")
	case opts.Executor == nil:
		return nil, fmt.Errorf("deploy service requires an executor")
	case opts.Workers == nil:
		return nil, fmt.Errorf("deploy service requires workers")
	}
	if opts.Assessor == nil {
		opts.Assessor = engine.NewMonitor(engine.DefaultMaxRetries, engine.DefaultRetryDelay)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/sagepilot/sagepilot/pkg/deploy")
	}

	return &Service{
		opts:   opts,
		tracer: tracer,
		logger: opts.Logger.With().Str("component", "deploy").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

// Submit turns an intent into a validated plan. Invalid configurations are
// stored as validation_failed and returned without error. Plans that need
// approval wait; the rest start deploying immediately.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (plan *engine.DeploymentPlan, err error) {
	if strings.TrimSpace(req.Intent) == "" {
		return nil, engine.NewPermanentError("intent is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := req.Environment.Validate(); err != nil {
		return nil, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}

	planID := s.newID()
	ctx, span := s.startSpan(ctx, "submit", planID)
	defer func() { endSpan(span, err) }()

	logger := s.logger.With().Str("plan_id", planID).Str("env", string(req.Environment)).Logger()
	logger.Info().Str("intent", req.Intent).Msg("Submitting deployment intent")

	// Step 1: Retrieve supporting evidence
	evidence := s.retrieve(ctx, logger, req)

	// Step 2: Generate the deployment configuration
	cfg := s.generate(ctx, logger, req, evidence)

	// Step 3: Validate against guardrails
	result := s.opts.Guardrail.Validate(ctx, cfg, req.Environment, req.Constraints)

	plan = &engine.DeploymentPlan{
		PlanID:           planID,
		Status:           engine.PlanStatusAwaitingValidation,
		UserID:           req.UserID,
		Intent:           req.Intent,
		Environment:      req.Environment,
		Config:           cfg,
		Constraints:      req.Constraints,
		Evidence:         evidence,
		Warnings:         result.Warnings,
		EstimatedCostUSD: result.EstimatedCostUSD,
		CreatedAt:        s.now(),
	}

	// Step 4: Decide between rejection, approval and immediate deployment
	switch {
	case !result.Valid:
		plan.Status = engine.PlanStatusValidationFailed
		plan.ValidationErrors = result.Errors
		logger.Warn().Strs("errors", result.Errors).Msg("Configuration failed validation")

	case s.opts.Guardrail.RequiresApproval(ctx, cfg, req.Environment):
		plan.Status = engine.PlanStatusPendingApproval
		plan.RequiresApproval = true
		plan.Approval = &engine.ApprovalRequest{PlanID: planID, Decision: engine.ApprovalPending}
		if err := s.opts.Repository.SaveApproval(ctx, plan.Approval); err != nil {
			return nil, fmt.Errorf("failed to save approval request: %w", err)
		}
		logger.Info().Float64("estimated_cost_usd", result.EstimatedCostUSD).Msg("Plan requires approval")

	default:
		plan.Status = engine.PlanStatusDeploying
	}

	if err := s.opts.Repository.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	s.audit(ctx, engine.AuditIntentSubmitted, plan, map[string]interface{}{
		"intent":             req.Intent,
		"environment":        string(req.Environment),
		"status":             string(plan.Status),
		"valid":              result.Valid,
		"errors":             result.Errors,
		"warnings":           result.Warnings,
		"estimated_cost_usd": result.EstimatedCostUSD,
	})
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordPlanSubmitted(string(req.Environment), string(plan.Status))
	}
	span.SetAttributes(
		telemetry.AttrEnvironment.String(string(req.Environment)),
		telemetry.AttrPlanStatus.String(string(plan.Status)),
	)

	// Step 5: Execute in the background
	if plan.Status == engine.PlanStatusDeploying {
		if err := s.start(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plan.Clone(), nil
}

func (s *Service) retrieve(ctx context.Context, logger zerolog.Logger, req SubmitRequest) []engine.Evidence {
	if s.opts.Retriever == nil {
		return nil
	}
	query := fmt.Sprintf("%s deployment policies for %s environment", req.Intent, req.Environment)
	evidence, err := s.opts.Retriever.Query(ctx, query, evidenceTopK)
	if err != nil {
		logger.Warn().Err(err).Msg("Evidence retrieval failed, continuing without evidence")
		return nil
	}
	logger.Info().Int("documents", len(evidence)).Msg("Retrieved evidence")
	return evidence
}

func (s *Service) generate(ctx context.Context, logger zerolog.Logger, req SubmitRequest, evidence []engine.Evidence) engine.DeploymentConfiguration {
	if s.opts.Generator != nil {
		cfg, err := s.opts.Generator.GenerateConfiguration(ctx, engine.GenerationRequest{
			Intent:      req.Intent,
			Environment: req.Environment,
			Evidence:    evidence,
			Constraints: req.Constraints,
		})
		if err == nil && cfg != nil {
			return *cfg
		}
		logger.Warn().Err(err).Msg("Configuration generation failed, using fallback configuration")
	} else {
		logger.Warn().Msg("No configuration generator, using fallback configuration")
	}
	return FallbackConfiguration(req.Environment, req.Constraints)
}

// FallbackConfiguration is the deterministic configuration used when no
// generator is available.
func FallbackConfiguration(env engine.Environment, constraints engine.Constraints) engine.DeploymentConfiguration {
	cfg := engine.DeploymentConfiguration{
		ModelName:        fmt.Sprintf("llama-3.1-8b-%s", env),
		EndpointName:     fmt.Sprintf("chatbot-x-%s", env),
		InstanceType:     "ml.m5.large",
		InstanceCount:    1,
		BudgetUSDPerHour: fallbackBudgetUSD,
	}
	if constraints.BudgetUSDPerHour > 0 {
		cfg.BudgetUSDPerHour = constraints.BudgetUSDPerHour
	}
	if env == engine.EnvironmentProd {
		cfg.InstanceType = "ml.g5.12xlarge"
		cfg.InstanceCount = 2
		cfg.BudgetUSDPerHour = prodBudgetUSD
	}
	return cfg
}

// Approve records an approval and starts the deployment.
func (s *Service) Approve(ctx context.Context, planID, approver, reason string) (plan *engine.DeploymentPlan, err error) {
	ctx, span := s.startSpan(ctx, "approve", planID)
	defer func() { endSpan(span, err) }()

	plan, err = s.decide(ctx, planID, approver, reason, engine.ApprovalApproved)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Reject records a rejection. Rejected plans are terminal.
func (s *Service) Reject(ctx context.Context, planID, approver, reason string) (plan *engine.DeploymentPlan, err error) {
	ctx, span := s.startSpan(ctx, "reject", planID)
	defer func() { endSpan(span, err) }()

	return s.decide(ctx, planID, approver, reason, engine.ApprovalRejected)
}

func (s *Service) decide(ctx context.Context, planID, approver, reason string, decision engine.ApprovalState) (*engine.DeploymentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.opts.Repository.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	target := engine.PlanStatusRejected
	if decision == engine.ApprovalApproved {
		target = engine.PlanStatusApproved
	}
	if err := s.transition(plan, target); err != nil {
		return nil, err
	}

	now := s.now()
	plan.Approval = &engine.ApprovalRequest{
		PlanID:    planID,
		Approver:  approver,
		Decision:  decision,
		Timestamp: &now,
		Reason:    reason,
	}
	if err := s.opts.Repository.SaveApproval(ctx, plan.Approval); err != nil {
		return nil, fmt.Errorf("failed to save approval: %w", err)
	}
	s.audit(ctx, engine.AuditApprovalDecision, plan, map[string]interface{}{
		"approver": approver,
		"decision": string(decision),
		"reason":   reason,
	})

	if decision == engine.ApprovalApproved {
		if err := s.transition(plan, engine.PlanStatusDeploying); err != nil {
			return nil, err
		}
	}
	if err := s.opts.Repository.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}

	s.logger.Info().
		Str("plan_id", planID).
		Str("approver", approver).
		Str("decision", string(decision)).
		Msg("Approval decision recorded")
	return plan, nil
}

// Pause stops a deploying or deployed plan. An in-flight execution stops
// before its next step.
func (s *Service) Pause(ctx context.Context, planID string) (plan *engine.DeploymentPlan, err error) {
	ctx, span := s.startSpan(ctx, "pause", planID)
	defer func() { endSpan(span, err) }()

	plan, err = s.changeStatus(ctx, planID, engine.PlanStatusPaused, "deployment_paused")
	if err != nil {
		return nil, err
	}
	if s.opts.Workers.Cancel(planID) {
		s.logger.Info().Str("plan_id", planID).Msg("Cancelled in-flight execution")
	}
	return plan, nil
}

// Restart redeploys a deployed, failed or paused plan. Completed steps are
// kept and skipped; every other step runs again from a clean slate.
func (s *Service) Restart(ctx context.Context, planID string) (plan *engine.DeploymentPlan, err error) {
	ctx, span := s.startSpan(ctx, "restart", planID)
	defer func() { endSpan(span, err) }()

	plan, err = s.changeStatus(ctx, planID, engine.PlanStatusDeploying, "deployment_restarted")
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) changeStatus(ctx context.Context, planID string, next engine.PlanStatus, action string) (*engine.DeploymentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.opts.Repository.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	previous := plan.Status
	if err := s.transition(plan, next); err != nil {
		return nil, err
	}
	if next == engine.PlanStatusDeploying {
		resetUnfinished(plan.Execution)
	}
	if err := s.opts.Repository.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}

	s.audit(ctx, engine.AuditStatusChange, plan, map[string]interface{}{
		"action":          action,
		"previous_status": string(previous),
		"status":          string(next),
	})
	s.logger.Info().
		Str("plan_id", planID).
		Str("from", string(previous)).
		Str("to", string(next)).
		Msg("Plan status changed")
	return plan, nil
}

// resetUnfinished returns every step that did not complete to the planned
// state so a resumed run executes it again.
func resetUnfinished(plan *engine.ExecutionPlan) {
	if plan == nil {
		return
	}
	for _, step := range plan.Steps {
		if step.Status == engine.StepStatusCompleted {
			continue
		}
		step.Status = engine.StepStatusThinking
		step.Error = ""
		step.RetryCount = 0
		step.NeedsReplan = false
	}
}

// Delete marks a plan deleted. A hard delete also removes the cloud
// resources and the plan's memories; their failures are reported in the
// result rather than returned.
func (s *Service) Delete(ctx context.Context, planID string, hard bool) (result *DeleteResult, err error) {
	ctx, span := s.startSpan(ctx, "delete", planID)
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	plan, err := s.opts.Repository.GetPlan(ctx, planID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.transition(plan, engine.PlanStatusDeleted); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.opts.Repository.SavePlan(ctx, plan); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	s.mu.Unlock()

	s.opts.Workers.Cancel(planID)
	logger := s.logger.With().Str("plan_id", planID).Bool("hard", hard).Logger()
	result = &DeleteResult{PlanDeleted: true, Errors: []string{}}

	if hard {
		// Step 1: Delete the endpoint, endpoint config and model
		if s.opts.Provisioner != nil {
			deleted, err := s.opts.Provisioner.DeleteResources(ctx, plan.Config)
			switch {
			case err != nil:
				result.Errors = append(result.Errors, fmt.Sprintf("Failed to delete resources: %v", err))
			default:
				result.ResourcesDeleted = deleted.EndpointDeleted && deleted.EndpointConfigDeleted && deleted.ModelDeleted
				result.Errors = append(result.Errors, deleted.Errors...)
			}
			if !result.ResourcesDeleted {
				logger.Warn().Strs("errors", result.Errors).Msg("Some resources may not have been deleted")
			}
		}

		// Step 2: Forget the plan's memories
		if s.opts.Memory != nil {
			n, err := s.opts.Memory.ForgetPlan(ctx, planID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("Failed to delete agent memories: %v", err))
			} else {
				result.MemoryDeleted = true
				result.MemoryCount = n
			}
		}
	}

	s.audit(ctx, engine.AuditPlanDeleted, plan, map[string]interface{}{
		"hard_delete":       hard,
		"resources_deleted": result.ResourcesDeleted,
		"memory_count":      result.MemoryCount,
		"errors":            result.Errors,
	})
	logger.Info().Int64("memory_count", result.MemoryCount).Msg("Plan deleted")
	return result, nil
}

// Status returns a plan.
func (s *Service) Status(ctx context.Context, planID string) (*engine.DeploymentPlan, error) {
	return s.opts.Repository.GetPlan(ctx, planID)
}

// List returns plans newest first, hiding deleted ones unless asked.
func (s *Service) List(ctx context.Context, includeDeleted bool) ([]*engine.DeploymentPlan, error) {
	plans, err := s.opts.Repository.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return plans, nil
	}
	visible := plans[:0]
	for _, p := range plans {
		if p.Status != engine.PlanStatusDeleted {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// PendingApprovals returns approval requests whose plan is still waiting.
func (s *Service) PendingApprovals(ctx context.Context) ([]*engine.DeploymentPlan, error) {
	approvals, err := s.opts.Repository.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]*engine.DeploymentPlan, 0, len(approvals))
	for _, a := range approvals {
		plan, err := s.opts.Repository.GetPlan(ctx, a.PlanID)
		if err != nil {
			s.logger.Debug().Err(err).Str("plan_id", a.PlanID).Msg("Skipping approval without plan")
			continue
		}
		if plan.Status == engine.PlanStatusPendingApproval {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// Active lists deploying and deployed plans, followed by in-service
// endpoints that no plan accounts for.
func (s *Service) Active(ctx context.Context) ([]ActiveDeployment, error) {
	plans, err := s.opts.Repository.ListPlans(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]ActiveDeployment, 0)
	tracked := make(map[string]bool)
	for _, p := range plans {
		if !p.Status.IsActive() {
			continue
		}
		tracked[p.Config.EndpointName] = true
		active = append(active, ActiveDeployment{
			PlanID:       p.PlanID,
			EndpointName: p.Config.EndpointName,
			Status:       string(p.Status),
			Environment:  string(p.Environment),
			InstanceType: p.Config.InstanceType,
		})
	}

	if s.opts.Endpoints != nil {
		names, err := s.opts.Endpoints.InServiceEndpoints(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Could not list endpoints")
			return active, nil
		}
		for _, name := range names {
			if tracked[name] {
				continue
			}
			active = append(active, ActiveDeployment{
				EndpointName: name,
				Status:       string(engine.PlanStatusDeployed),
				Environment:  "unknown",
				InstanceType: "unknown",
			})
		}
	}
	return active, nil
}

// Checkpoint stores execution progress on the plan record. It is meant to
// be the orchestrator's CheckpointFunc.
func (s *Service) Checkpoint(ctx context.Context, exec *engine.ExecutionPlan) {
	if exec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.opts.Repository.GetPlan(ctx, exec.PlanID)
	if err != nil {
		s.logger.Warn().Err(err).Str("plan_id", exec.PlanID).Msg("Checkpoint for unknown plan")
		return
	}
	if !s.storeExecution(plan, exec) {
		return
	}
	plan.Touch()
	if err := s.opts.Repository.SavePlan(ctx, plan); err != nil {
		s.logger.Warn().Err(err).Str("plan_id", exec.PlanID).Msg("Checkpoint save failed")
	}
}

// Running returns the number of executions currently in progress.
func (s *Service) Running() int {
	return int(s.running.Load())
}

// Resume starts every plan left deploying by a previous process. Plans
// already executing here are skipped. It returns the number started.
func (s *Service) Resume(ctx context.Context) (int, error) {
	plans, err := s.opts.Repository.ListPlans(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, plan := range plans {
		if plan.Status != engine.PlanStatusDeploying {
			continue
		}
		if err := s.start(ctx, plan); err != nil {
			if engine.IsConflict(err) {
				continue
			}
			return started, err
		}
		started++
	}
	if started > 0 {
		s.logger.Info().Int("plans", started).Msg("Resumed interrupted deployments")
	}
	return started, nil
}

func (s *Service) start(ctx context.Context, plan *engine.DeploymentPlan) error {
	req := engine.PlanRequest{
		PlanID:      plan.PlanID,
		Intent:      plan.Intent,
		Environment: plan.Environment,
		Config:      plan.Config,
		Evidence:    plan.Evidence,
		Constraints: plan.Constraints,
		Plan:        plan.Execution.Clone(),
	}
	err := s.opts.Workers.Submit(ctx, plan.PlanID, func(jobCtx context.Context) {
		s.execute(jobCtx, req)
	})
	if err != nil {
		return fmt.Errorf("failed to start deployment: %w", err)
	}
	s.logger.Info().Str("plan_id", plan.PlanID).Msg("Deployment queued")
	return nil
}

// execute runs on a worker. The outcome is applied only if the plan is still
// deploying; a pause or delete during execution wins.
func (s *Service) execute(ctx context.Context, req engine.PlanRequest) {
	s.setRunning(s.running.Add(1))
	defer func() { s.setRunning(s.running.Add(-1)) }()

	logger := s.logger.With().Str("plan_id", req.PlanID).Logger()
	exec := s.opts.Executor.ExecuteDeploymentPlan(ctx, req)
	assessment := s.opts.Assessor.AssessPlan(exec)

	s.mu.Lock()
	defer s.mu.Unlock()

	// The job outlives the request that started it.
	store := context.WithoutCancel(ctx)
	plan, err := s.opts.Repository.GetPlan(store, req.PlanID)
	if err != nil {
		logger.Error().Err(err).Msg("Plan disappeared during execution")
		return
	}
	s.storeExecution(plan, exec)

	if plan.Status != engine.PlanStatusDeploying || ctx.Err() != nil {
		plan.Touch()
		if err := s.opts.Repository.SavePlan(store, plan); err != nil {
			logger.Error().Err(err).Msg("Failed to save interrupted execution")
		}
		logger.Info().Str("status", string(plan.Status)).Msg("Execution interrupted, keeping plan status")
		return
	}

	outcome := engine.PlanStatusFailed
	if assessment.Status == engine.MonitorStatusCompleted {
		outcome = engine.PlanStatusDeployed
	}
	if err := s.transition(plan, outcome); err != nil {
		logger.Error().Err(err).Msg("Cannot apply execution outcome")
		return
	}
	if err := s.opts.Repository.SavePlan(store, plan); err != nil {
		logger.Error().Err(err).Msg("Failed to save execution outcome")
	}

	success := outcome == engine.PlanStatusDeployed
	s.audit(store, engine.AuditDeploymentOutcome, plan, map[string]interface{}{
		"success":        success,
		"status":         string(outcome),
		"monitor_status": string(assessment.Status),
		"replan_count":   exec.ReplanCount,
		"message":        fmt.Sprintf("Deployment %s", outcome),
	})
	s.rememberOutcome(store, plan, exec, success)

	logger.Info().Str("status", string(outcome)).Int("replan_count", exec.ReplanCount).Msg("Deployment finished")
}

// storeExecution puts a copy of exec on plan. When exec cannot be copied the
// last stored progress is kept and false is returned.
func (s *Service) storeExecution(plan *engine.DeploymentPlan, exec *engine.ExecutionPlan) bool {
	cp, err := exec.Copy()
	if err != nil {
		s.logger.Error().Err(err).Str("plan_id", plan.PlanID).Msg("Keeping last checkpoint, execution progress could not be copied")
		return false
	}
	plan.Execution = cp
	return true
}

func (s *Service) rememberOutcome(ctx context.Context, plan *engine.DeploymentPlan, exec *engine.ExecutionPlan, success bool) {
	if s.opts.Memory == nil {
		return
	}
	replanned := exec.ReplanCount > 0
	err := s.opts.Memory.Remember(ctx, outcomeAgent,
		"Deployment outcome: "+plan.Intent,
		map[string]interface{}{
			"success":              success,
			"status":               string(plan.Status),
			"eventually_succeeded": replanned && success,
		},
		map[string]interface{}{
			"plan_id":       plan.PlanID,
			"environment":   string(plan.Environment),
			"instance_type": plan.Config.InstanceType,
			"replan_count":  exec.ReplanCount,
		})
	if err != nil {
		s.logger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("Failed to record deployment outcome")
	}
	if !replanned {
		return
	}

	lesson := "replanning did not recover the deployment"
	rate := 0.0
	if success {
		lesson = "replanning recovered the deployment"
		rate = 1.0
	}
	pattern := fmt.Sprintf("replanning %s deployments on %s", plan.Environment, plan.Config.InstanceType)
	if err := s.opts.Memory.LearnPattern(ctx, outcomeAgent, pattern, lesson, rate, 1); err != nil {
		s.logger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("Failed to learn replanning pattern")
	}
}

func (s *Service) setRunning(n int64) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetActiveDeployments(int(n))
	}
}

func (s *Service) transition(plan *engine.DeploymentPlan, next engine.PlanStatus) error {
	if !plan.Status.CanTransition(next) {
		return engine.NewPermanentError(
			fmt.Sprintf("cannot move plan from %s to %s", plan.Status, next), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(plan.PlanID).
			WithDetail("status", string(plan.Status))
	}
	plan.Status = next
	now := s.now()
	plan.UpdatedAt = &now
	return nil
}

func (s *Service) audit(ctx context.Context, eventType engine.AuditEventType, plan *engine.DeploymentPlan, details map[string]interface{}) {
	if s.opts.Audit == nil {
		return
	}
	s.opts.Audit.Record(ctx, engine.AuditEvent{
		Type:    eventType,
		PlanID:  plan.PlanID,
		UserID:  plan.UserID,
		Details: details,
	})
}

func (s *Service) startSpan(ctx context.Context, operation, planID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "deploy."+operation, trace.WithAttributes(
		telemetry.AttrPlanID.String(planID),
		telemetry.AttrOperation.String(operation),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
		if code := engine.ErrorCode(err); code != "" {
			span.SetAttributes(telemetry.AttrErrorCode.String(code))
		}
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
}
