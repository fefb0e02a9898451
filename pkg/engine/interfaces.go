package engine

import (
	"context"
	"time"
)

// Provisioner creates and deletes the resources behind an inference endpoint.
// Create calls must tolerate re-invocation for a resource that already exists.
type Provisioner interface {
	// CreateModel registers the model and returns its name.
	CreateModel(ctx context.Context, cfg DeploymentConfiguration) (string, error)

	// CreateEndpointConfig creates the endpoint configuration for a model.
	CreateEndpointConfig(ctx context.Context, cfg DeploymentConfiguration, modelName string) (string, error)

	// CreateEndpoint creates the endpoint from an endpoint configuration.
	CreateEndpoint(ctx context.Context, cfg DeploymentConfiguration, endpointConfigName string) (string, error)

	// WaitForReady blocks until the endpoint reaches a terminal state or the
	// context ends. It returns the terminal state.
	WaitForReady(ctx context.Context, endpointName string) (EndpointState, error)

	// CheckAlarms returns the names in alarms that do not exist.
	CheckAlarms(ctx context.Context, alarms []string) ([]string, error)

	// DeleteResources deletes the endpoint, endpoint config and model.
	DeleteResources(ctx context.Context, cfg DeploymentConfiguration) (*DeletionResult, error)

	// DryRun reports whether calls are simulated.
	DryRun() bool
}

// EndpointState is a provisioned endpoint's status.
type EndpointState string

const (
	EndpointStateCreating  EndpointState = "Creating"
	EndpointStateInService EndpointState = "InService"
	EndpointStateFailed    EndpointState = "Failed"
)

// DeletionResult reports per-resource deletion outcomes.
type DeletionResult struct {
	EndpointDeleted       bool     `json:"endpoint_deleted"`
	EndpointConfigDeleted bool     `json:"endpoint_config_deleted"`
	ModelDeleted          bool     `json:"model_deleted"`
	Errors                []string `json:"errors"`
}

// Validator is the guardrail contract used by the validate_plan step.
type Validator interface {
	Validate(ctx context.Context, cfg DeploymentConfiguration, env Environment, constraints Constraints) ValidationResult
}

// StepSpec is a generated step before it is turned into a Step.
type StepSpec struct {
	AgentType   string `json:"agent_type"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// GenerationRequest is the input to step or configuration generation.
type GenerationRequest struct {
	Intent      string
	Environment Environment
	Evidence    []Evidence
	Constraints Constraints
}

// StepGenerator generates plan steps from an intent.
type StepGenerator interface {
	GenerateSteps(ctx context.Context, req GenerationRequest) ([]StepSpec, error)
}

// ConfigGenerator generates a deployment configuration from an intent.
type ConfigGenerator interface {
	GenerateConfiguration(ctx context.Context, req GenerationRequest) (*DeploymentConfiguration, error)
}

// EvidenceRetriever returns documents relevant to a query.
type EvidenceRetriever interface {
	Query(ctx context.Context, text string, topK int) ([]Evidence, error)
}

// Experience is a recalled past episode.
type Experience struct {
	Agent     string                 `json:"agent"`
	Event     string                 `json:"event"`
	Outcome   map[string]interface{} `json:"outcome"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Succeeded reports the outcome's success flag.
func (e Experience) Succeeded() bool {
	v, _ := e.Outcome["success"].(bool)
	return v
}

// EventuallySucceeded reports whether the outcome records a later success.
func (e Experience) EventuallySucceeded() bool {
	v, _ := e.Outcome["eventually_succeeded"].(bool)
	return v
}

// ExperienceMemory recalls and records past episodes.
type ExperienceMemory interface {
	Recall(ctx context.Context, agent, query string, limit int) ([]Experience, error)
	Remember(ctx context.Context, agent, event string, outcome, metadata map[string]interface{}) error
}

// PlanRepository stores deployment plans. GetPlan returns an error matching
// ErrPlanNotFound for unknown IDs. Returned plans are copies.
type PlanRepository interface {
	SavePlan(ctx context.Context, plan *DeploymentPlan) error
	GetPlan(ctx context.Context, planID string) (*DeploymentPlan, error)
	ListPlans(ctx context.Context) ([]*DeploymentPlan, error)
}

// ApprovalRepository stores approval requests.
type ApprovalRepository interface {
	SaveApproval(ctx context.Context, approval *ApprovalRequest) error
	ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error)
}

// AuditEventType identifies an audit record.
type AuditEventType string

const (
	AuditIntentSubmitted   AuditEventType = "intent_submitted"
	AuditApprovalDecision  AuditEventType = "approval_decision"
	AuditStatusChange      AuditEventType = "status_change"
	AuditDeploymentOutcome AuditEventType = "deployment_outcome"
	AuditPlanDeleted       AuditEventType = "plan_deleted"
)

// AuditEvent is one audit record.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Type      AuditEventType         `json:"type"`
	PlanID    string                 `json:"plan_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditSink receives audit records. Record must not block or fail the caller.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// EventPublisher publishes engine events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordStepExecution(action, status string, duration time.Duration)
	RecordStepRetry(action string)
	RecordReplan(environment string)
	RecordPlanCompleted(status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordStepExecution(string, string, time.Duration) {}
func (nopMetrics) RecordStepRetry(string)                            {}
func (nopMetrics) RecordReplan(string)                               {}
func (nopMetrics) RecordPlanCompleted(string, time.Duration)         {}
