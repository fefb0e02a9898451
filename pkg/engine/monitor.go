package engine

import (
	"time"
)

// Default retry and replan policy values.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
	DefaultMaxReplans = 3
)

// maxBackoffExponent bounds the exponent so the delay cannot overflow.
const maxBackoffExponent = 20

// Monitor inspects plan state, decides per-step retry eligibility, and
// derives the overall plan status. It holds no per-plan state.
type Monitor struct {
	maxRetries int
	retryDelay time.Duration
}

// NewMonitor creates a monitor. Non-positive arguments select the defaults.
func NewMonitor(maxRetries int, retryDelay time.Duration) *Monitor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Monitor{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// MaxRetries returns the per-step retry cap.
func (m *Monitor) MaxRetries() int {
	return m.maxRetries
}

// AssessPlan derives the plan status. Rules are applied in order: any failed
// step, any planned or running step, every step completed, otherwise unknown.
// The result depends only on the plan, so repeated calls on an unchanged
// plan return equal values.
func (m *Monitor) AssessPlan(plan *ExecutionPlan) MonitoringResult {
	result := MonitoringResult{
		PlanID: plan.PlanID,
		Checks: make([]StepCheck, 0, len(plan.Steps)),
	}

	var anyFailed, anyActive bool
	allCompleted := len(plan.Steps) > 0

	for _, step := range plan.Steps {
		result.Checks = append(result.Checks, m.checkStep(step))

		switch {
		case step.Status == StepStatusFailed:
			anyFailed = true
		case step.Status.IsActive():
			anyActive = true
		}
		if step.Status != StepStatusCompleted {
			allCompleted = false
		}
	}

	switch {
	case anyFailed:
		result.Status = MonitorStatusFailed
		result.RequiresAction = true
	case anyActive:
		result.Status = MonitorStatusInProgress
	case allCompleted:
		result.Status = MonitorStatusCompleted
	default:
		result.Status = MonitorStatusUnknown
		result.RequiresAction = true
	}

	return result
}

// checkStep builds the per-step check.
func (m *Monitor) checkStep(step *Step) StepCheck {
	check := StepCheck{
		StepID:     step.StepID,
		Action:     step.Action,
		Status:     step.Status,
		Timestamp:  step.Timestamp,
		RetryCount: step.RetryCount,
		Error:      step.Error,
	}
	if m.ShouldRetry(step) {
		check.ShouldRetry = true
		check.RetryDelay = m.NextBackoffDelay(step.RetryCount)
	}
	return check
}

// ShouldRetry reports whether a failed step is eligible for another attempt.
// Validation failures need a new configuration, so they are never retried.
func (m *Monitor) ShouldRetry(step *Step) bool {
	if step.Status != StepStatusFailed {
		return false
	}
	if step.RetryCount >= m.maxRetries {
		return false
	}
	if step.ParsedAction() == ActionValidatePlan && step.Error != "" {
		return false
	}
	return true
}

// NextBackoffDelay returns retryDelay * 2^retryCount.
func (m *Monitor) NextBackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffExponent {
		retryCount = maxBackoffExponent
	}
	return m.retryDelay * time.Duration(1<<uint(retryCount))
}

// MarkForRetry increments the retry counter and moves the step to retrying.
func (m *Monitor) MarkForRetry(step *Step) *Step {
	step.RetryCount++
	step.Status = StepStatusRetrying
	step.Timestamp = time.Now().UTC()
	return step
}
