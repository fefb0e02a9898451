package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeploymentConfiguration describes the target inference endpoint.
// It is treated as immutable once validated; changing it requires a new
// configuration and a new validation pass.
type DeploymentConfiguration struct {
	// ModelName is the provisioned model name.
	ModelName string `json:"model_name" validate:"required,max=63"`

	// EndpointName is the provisioned endpoint name.
	EndpointName string `json:"endpoint_name" validate:"required,max=63"`

	// InstanceType is the compute instance type (e.g., "ml.m5.large").
	InstanceType string `json:"instance_type" validate:"required,startswith=ml."`

	// InstanceCount is the number of instances behind the endpoint.
	InstanceCount int `json:"instance_count"`

	// MaxPayloadMB is the maximum request payload size in megabytes.
	MaxPayloadMB int `json:"max_payload_mb" validate:"omitempty,min=1,max=1024"`

	// AutoscalingMin is the lower autoscaling bound.
	AutoscalingMin int `json:"autoscaling_min"`

	// AutoscalingMax is the upper autoscaling bound.
	AutoscalingMax int `json:"autoscaling_max"`

	// RollbackAlarms are alarm names that trigger automatic rollback.
	RollbackAlarms []string `json:"rollback_alarms,omitempty"`

	// BudgetUSDPerHour is the declared hourly budget.
	BudgetUSDPerHour float64 `json:"budget_usd_per_hour"`
}

// EndpointConfigName returns the name of the endpoint configuration derived
// from the endpoint name.
func (c DeploymentConfiguration) EndpointConfigName() string {
	return c.EndpointName + "-config"
}

// Constraints are caller-supplied limits applied on top of environment policy.
type Constraints struct {
	// BudgetUSDPerHour caps the estimated hourly cost. Zero means unset.
	BudgetUSDPerHour float64 `json:"budget_usd_per_hour,omitempty"`

	// Extra carries free-form constraints passed to plan generation.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Evidence is a retrieved supporting document snippet.
type Evidence struct {
	// Title is the document title.
	Title string `json:"title"`

	// Snippet is the relevant text.
	Snippet string `json:"snippet"`

	// URL locates the source document, if known.
	URL string `json:"url,omitempty"`

	// Score is the relevance score.
	Score float64 `json:"score,omitempty"`
}

// Step is one unit of planned work.
type Step struct {
	// StepID uniquely identifies the step within its plan.
	StepID string `json:"step_id"`

	// AgentType is the owning agent role.
	AgentType AgentRole `json:"agent_type"`

	// Action is the action name. See ParseAction.
	Action string `json:"action"`

	// Status is the current lifecycle state.
	Status StepStatus `json:"status"`

	// Input is the opaque step input.
	Input map[string]interface{} `json:"input,omitempty"`

	// Output is the opaque step output.
	Output map[string]interface{} `json:"output,omitempty"`

	// Timestamp is when the step last changed status.
	Timestamp time.Time `json:"timestamp"`

	// Error is the last failure message, if any.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of retries performed.
	RetryCount int `json:"retry_count"`

	// Reasoning is the step-scoped reasoning trace.
	Reasoning *ReasoningTrace `json:"reasoning_chain,omitempty"`

	// NeedsReplan is set by the executor when a failure cannot be fixed by retrying.
	NeedsReplan bool `json:"needs_replan"`
}

// ParsedAction returns the step's action as an Action.
func (s *Step) ParsedAction() Action {
	return ParseAction(s.Action)
}

// ExecutionPlan is the ordered set of steps for one deployment request.
type ExecutionPlan struct {
	// PlanID ties the execution plan to its deployment plan.
	PlanID string `json:"plan_id"`

	// Steps are executed in order.
	Steps []*Step `json:"steps"`

	// CreatedAt is when the plan was generated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the orchestrator last touched the plan.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// Reasoning summarizes the planning rationale.
	Reasoning *ReasoningTrace `json:"reasoning_chain,omitempty"`

	// ReplanCount is the number of replanning cycles performed.
	ReplanCount int `json:"replan_count"`

	// MaxReplans is the replanning ceiling.
	MaxReplans int `json:"max_replans"`
}

// CompletedSteps returns the steps that have completed, in plan order.
func (p *ExecutionPlan) CompletedSteps() []*Step {
	completed := make([]*Step, 0, len(p.Steps))
	for _, step := range p.Steps {
		if step.Status == StepStatusCompleted {
			completed = append(completed, step)
		}
	}
	return completed
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	out, _ := p.Copy()
	return out
}

// Copy is Clone with the copy error reported. It fails when a step input or
// output holds a value JSON cannot encode, such as NaN.
func (p *ExecutionPlan) Copy() (*ExecutionPlan, error) {
	if p == nil {
		return nil, nil
	}
	var out ExecutionPlan
	if err := deepCopy(p, &out); err != nil {
		return nil, fmt.Errorf("failed to copy execution plan %s: %w", p.PlanID, err)
	}
	return &out, nil
}

// ValidationResult is a guardrail verdict.
type ValidationResult struct {
	// Valid is true when Errors is empty.
	Valid bool `json:"valid"`

	// Errors block progress.
	Errors []string `json:"errors"`

	// Warnings are advisory only.
	Warnings []string `json:"warnings"`

	// EstimatedCostUSD is the hourly cost estimate used by the checks.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	// StepID is the executed step.
	StepID string `json:"step_id"`

	// Success reports whether the step completed.
	Success bool `json:"success"`

	// Output is the handler output.
	Output map[string]interface{} `json:"output,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`

	// NeedsReplan is true when retrying the same step cannot help.
	NeedsReplan bool `json:"needs_replan"`

	// Duration is how long the handler ran.
	Duration time.Duration `json:"duration"`
}

// StepCheck is the Monitor's view of one step.
type StepCheck struct {
	StepID      string        `json:"step_id"`
	Action      string        `json:"action"`
	Status      StepStatus    `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	RetryCount  int           `json:"retry_count"`
	ShouldRetry bool          `json:"should_retry"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// MonitoringResult is the plan-level assessment.
type MonitoringResult struct {
	// PlanID is the assessed plan.
	PlanID string `json:"plan_id"`

	// Status is the derived plan status.
	Status MonitorStatus `json:"status"`

	// Checks holds one entry per step.
	Checks []StepCheck `json:"checks"`

	// RequiresAction is true when a human needs to intervene.
	RequiresAction bool `json:"requires_action"`
}

// ApprovalRequest records an approval decision for a plan.
type ApprovalRequest struct {
	// PlanID is the plan requiring approval.
	PlanID string `json:"plan_id"`

	// Approver is the user who decided.
	Approver string `json:"approver,omitempty"`

	// Decision is the approval state.
	Decision ApprovalState `json:"decision"`

	// Timestamp is when the decision was made.
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`
}

// DeploymentPlan is the lifecycle record for one deployment request.
type DeploymentPlan struct {
	// PlanID uniquely identifies the request.
	PlanID string `json:"plan_id"`

	// Status is the lifecycle status.
	Status PlanStatus `json:"status"`

	// UserID is the requesting user.
	UserID string `json:"user_id"`

	// Intent is the natural-language request.
	Intent string `json:"intent"`

	// Environment is the deployment target.
	Environment Environment `json:"env"`

	// Config is the generated deployment configuration.
	Config DeploymentConfiguration `json:"artifact"`

	// Constraints are the caller-supplied limits.
	Constraints Constraints `json:"constraints"`

	// Evidence is the supporting material used during planning.
	Evidence []Evidence `json:"evidence,omitempty"`

	// Execution is the execution plan, set once a worker has planned it.
	Execution *ExecutionPlan `json:"execution,omitempty"`

	// ValidationErrors are the guardrail errors.
	ValidationErrors []string `json:"validation_errors,omitempty"`

	// Warnings are the guardrail warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EstimatedCostUSD is the hourly cost estimate.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	// RequiresApproval is true when a human must approve before deploying.
	RequiresApproval bool `json:"requires_approval"`

	// Approval is the approval record, if any.
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record last changed.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the deployment plan.
func (p *DeploymentPlan) Clone() *DeploymentPlan {
	if p == nil {
		return nil
	}
	var out DeploymentPlan
	if err := deepCopy(p, &out); err != nil {
		return nil
	}
	return &out
}

// Touch stamps the update timestamp.
func (p *DeploymentPlan) Touch() {
	now := time.Now().UTC()
	p.UpdatedAt = &now
}

// EventType represents the type of an engine event.
type EventType string

const (
	EventTypePlanStarted         EventType = "plan.started"
	EventTypePlanCompleted       EventType = "plan.completed"
	EventTypePlanFailed          EventType = "plan.failed"
	EventTypePlanCancelled       EventType = "plan.cancelled"
	EventTypePlanReplanned       EventType = "plan.replanned"
	EventTypePlanSelfCheckFailed EventType = "plan.self_check_failed"
	EventTypeStepStarted         EventType = "step.started"
	EventTypeStepCompleted       EventType = "step.completed"
	EventTypeStepFailed          EventType = "step.failed"
	EventTypeStepRetrying        EventType = "step.retrying"
)

// Event represents a timeline event during plan execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// PlanID is the plan this event belongs to.
	PlanID string `json:"plan_id"`

	// StepID is the step, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// deepCopy copies src into dst through a JSON round trip. Plan payloads are
// JSON-shaped, so this preserves every field that survives persistence.
func deepCopy(src, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
