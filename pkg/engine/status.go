package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the lifecycle state of a single plan step.
//
// The state machine is thinking -> executing -> {completed | failed}, with
// failed -> retrying -> executing on the retry path.
type StepStatus string

const (
	// StepStatusThinking indicates the step has been planned but not started.
	StepStatusThinking StepStatus = "thinking"

	// StepStatusExecuting indicates the step is being executed.
	StepStatusExecuting StepStatus = "executing"

	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step's last attempt failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusRetrying indicates the step has been marked for another attempt.
	StepStatusRetrying StepStatus = "retrying"
)

// IsTerminal returns true if no further execution is expected for the step
// without an explicit retry or replan decision.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// IsActive returns true if the step is planned or running.
func (s StepStatus) IsActive() bool {
	return s == StepStatusThinking || s == StepStatusExecuting
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusThinking, StepStatusExecuting, StepStatusCompleted,
		StepStatusFailed, StepStatusRetrying:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = ""
		return nil
	}
	status := StepStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// AgentRole identifies which agent owns a step.
type AgentRole string

const (
	// AgentPlanner owns configuration generation steps.
	AgentPlanner AgentRole = "planner"

	// AgentExecutor owns steps that call the provisioning API.
	AgentExecutor AgentRole = "executor"

	// AgentMonitor owns monitoring and verification steps.
	AgentMonitor AgentRole = "monitor"

	// AgentRetriever owns evidence retrieval steps.
	AgentRetriever AgentRole = "retriever"

	// AgentSystem owns bookkeeping steps.
	AgentSystem AgentRole = "system"
)

// Validate checks if the agent role is valid.
func (r AgentRole) Validate() error {
	switch r {
	case AgentPlanner, AgentExecutor, AgentMonitor, AgentRetriever, AgentSystem:
		return nil
	default:
		return fmt.Errorf("invalid agent role: %s", r)
	}
}

// ParseAgentRole converts a generated agent type to a role. Unknown values
// fall back to AgentExecutor.
func ParseAgentRole(s string) AgentRole {
	role := AgentRole(s)
	if role.Validate() != nil {
		return AgentExecutor
	}
	return role
}

// PlanStatus represents the lifecycle status of a deployment plan.
type PlanStatus string

const (
	// PlanStatusAwaitingValidation indicates the plan has not been validated yet.
	PlanStatusAwaitingValidation PlanStatus = "awaiting_validation"

	// PlanStatusPendingApproval indicates the plan is waiting for a human decision.
	PlanStatusPendingApproval PlanStatus = "pending_approval"

	// PlanStatusApproved indicates the plan was approved and is about to deploy.
	PlanStatusApproved PlanStatus = "approved"

	// PlanStatusRejected indicates an approver rejected the plan.
	PlanStatusRejected PlanStatus = "rejected"

	// PlanStatusValidationFailed indicates the guardrail rejected the configuration.
	PlanStatusValidationFailed PlanStatus = "validation_failed"

	// PlanStatusDeploying indicates a worker is executing the plan.
	PlanStatusDeploying PlanStatus = "deploying"

	// PlanStatusDeployed indicates every step completed.
	PlanStatusDeployed PlanStatus = "deployed"

	// PlanStatusPaused indicates execution was paused by a user.
	PlanStatusPaused PlanStatus = "paused"

	// PlanStatusFailed indicates execution ended without completing all steps.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusRolledBack indicates the endpoint was rolled back.
	PlanStatusRolledBack PlanStatus = "rolled_back"

	// PlanStatusDeleted indicates the plan was deleted.
	PlanStatusDeleted PlanStatus = "deleted"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusRejected, PlanStatusValidationFailed, PlanStatusDeployed,
		PlanStatusFailed, PlanStatusRolledBack, PlanStatusDeleted:
		return true
	}
	return false
}

// IsActive returns true if the plan is deploying or deployed.
func (s PlanStatus) IsActive() bool {
	return s == PlanStatusDeploying || s == PlanStatusDeployed
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusAwaitingValidation, PlanStatusPendingApproval, PlanStatusApproved,
		PlanStatusRejected, PlanStatusValidationFailed, PlanStatusDeploying,
		PlanStatusDeployed, PlanStatusPaused, PlanStatusFailed,
		PlanStatusRolledBack, PlanStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// planTransitions lists the statuses each status may move to.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanStatusAwaitingValidation: {PlanStatusPendingApproval, PlanStatusValidationFailed, PlanStatusDeploying},
	PlanStatusPendingApproval:    {PlanStatusApproved, PlanStatusRejected},
	PlanStatusApproved:           {PlanStatusDeploying},
	PlanStatusDeploying:          {PlanStatusDeployed, PlanStatusFailed, PlanStatusPaused},
	PlanStatusDeployed:           {PlanStatusPaused, PlanStatusDeploying, PlanStatusRolledBack},
	PlanStatusPaused:             {PlanStatusDeploying},
	PlanStatusFailed:             {PlanStatusDeploying, PlanStatusRolledBack},
}

// CanTransition reports whether a plan may move from s to next. Any status
// other than deleted may move to deleted.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	if next == PlanStatusDeleted {
		return s != PlanStatusDeleted
	}
	for _, allowed := range planTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = ""
		return nil
	}
	status := PlanStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// MonitorStatus is the overall plan status derived by the Monitor.
type MonitorStatus string

const (
	// MonitorStatusFailed indicates at least one step failed.
	MonitorStatusFailed MonitorStatus = "failed"

	// MonitorStatusInProgress indicates at least one step is still planned or running.
	MonitorStatusInProgress MonitorStatus = "in_progress"

	// MonitorStatusCompleted indicates every step completed.
	MonitorStatusCompleted MonitorStatus = "completed"

	// MonitorStatusUnknown indicates a mix of statuses that fits no other rule.
	MonitorStatusUnknown MonitorStatus = "unknown"
)

// Environment is a deployment target environment.
type Environment string

const (
	// EnvironmentDev is the development environment.
	EnvironmentDev Environment = "dev"

	// EnvironmentStaging is the staging environment.
	EnvironmentStaging Environment = "staging"

	// EnvironmentProd is the production environment.
	EnvironmentProd Environment = "prod"
)

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentDev, EnvironmentStaging, EnvironmentProd:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// ParseEnvironment converts a string to an Environment.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if err := env.Validate(); err != nil {
		return "", err
	}
	return env, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Environment) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*e = ""
		return nil
	}
	env, err := ParseEnvironment(str)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// ApprovalState is the decision recorded on an approval request.
type ApprovalState string

const (
	// ApprovalPending indicates no decision has been made.
	ApprovalPending ApprovalState = "pending"

	// ApprovalApproved indicates the plan was approved.
	ApprovalApproved ApprovalState = "approved"

	// ApprovalRejected indicates the plan was rejected.
	ApprovalRejected ApprovalState = "rejected"

	// ApprovalExpired indicates the request expired before a decision.
	ApprovalExpired ApprovalState = "expired"
)

// Validate checks if the approval state is valid.
func (a ApprovalState) Validate() error {
	switch a {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return nil
	default:
		return fmt.Errorf("invalid approval state: %s", a)
	}
}
