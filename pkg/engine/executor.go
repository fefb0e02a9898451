package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Default executor timeouts.
const (
	DefaultStepTimeout  = 5 * time.Minute
	DefaultReadyTimeout = 30 * time.Minute
)

// StepContext carries the plan-level inputs a step handler needs.
type StepContext struct {
	PlanID      string
	Config      DeploymentConfiguration
	Environment Environment
	Constraints Constraints
}

// ExecutorOptions configures a StepExecutor.
type ExecutorOptions struct {
	// StepTimeout bounds a single provisioning call.
	StepTimeout time.Duration

	// ReadyTimeout bounds the wait for an endpoint to come into service.
	ReadyTimeout time.Duration
}

// StepExecutor maps a step's action to a handler and runs it.
type StepExecutor struct {
	validator    Validator
	provisioner  Provisioner
	logger       zerolog.Logger
	stepTimeout  time.Duration
	readyTimeout time.Duration
}

// NewStepExecutor creates a step executor. A nil validator skips validation;
// a nil provisioner simulates every provisioning call.
func NewStepExecutor(validator Validator, provisioner Provisioner, logger zerolog.Logger, opts ExecutorOptions) *StepExecutor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	return &StepExecutor{
		validator:    validator,
		provisioner:  provisioner,
		logger:       logger.With().Str("component", "executor").Logger(),
		stepTimeout:  opts.StepTimeout,
		readyTimeout: opts.ReadyTimeout,
	}
}

// handlerResult is what a handler reports back to ExecuteStep.
type handlerResult struct {
	output      map[string]interface{}
	err         error
	needsReplan bool
}

// ExecuteStep runs the step and updates its status, output and error in
// place. It never panics past its boundary: a panicking handler yields a
// failed result carrying the panic message.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step *Step, sc StepContext) (result StepResult) {
	logger := e.logger.With().
		Str("plan_id", sc.PlanID).
		Str("step_id", step.StepID).
		Str("action", step.Action).
		Logger()

	step.Status = StepStatusExecuting
	step.Timestamp = time.Now().UTC()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Step handler panicked")
			result = StepResult{
				StepID: step.StepID,
				Error:  fmt.Sprint(r),
			}
		}
		result.Duration = time.Since(start)
		e.apply(step, result)
	}()

	logger.Debug().Msg("Executing step")

	hr := e.dispatch(ctx, step.ParsedAction(), step.Action, sc)

	result = StepResult{
		StepID:      step.StepID,
		Success:     hr.err == nil,
		Output:      hr.output,
		NeedsReplan: hr.err != nil && hr.needsReplan,
	}
	if hr.err != nil {
		result.Error = hr.err.Error()
		logger.Warn().Err(hr.err).Bool("needs_replan", result.NeedsReplan).Msg("Step failed")
	} else {
		logger.Info().Msg("Step completed")
	}
	return result
}

// apply copies a result onto its step.
func (e *StepExecutor) apply(step *Step, result StepResult) {
	step.Timestamp = time.Now().UTC()
	if result.Output != nil {
		step.Output = result.Output
	}
	if result.Success {
		step.Status = StepStatusCompleted
		step.Error = ""
		step.NeedsReplan = false
		return
	}
	step.Status = StepStatusFailed
	step.Error = result.Error
	step.NeedsReplan = result.NeedsReplan
}

// dispatch selects the handler for an action.
func (e *StepExecutor) dispatch(ctx context.Context, action Action, name string, sc StepContext) handlerResult {
	switch action {
	case ActionValidatePlan:
		return e.validatePlan(ctx, sc)
	case ActionCreateModel:
		return e.createModel(ctx, sc)
	case ActionCreateEndpointConfig:
		return e.createEndpointConfig(ctx, sc)
	case ActionCreateEndpoint:
		return e.createEndpoint(ctx, sc)
	case ActionConfigureMonitoring:
		return e.configureMonitoring(ctx, sc)
	case ActionVerifyDeployment:
		return e.verifyDeployment(ctx, sc)
	case ActionRetrievePolicies, ActionGenerateConfig, ActionUnknown:
		return skipped(name)
	}
	return skipped(name)
}

// skipped is the no-op result for actions without a handler.
func skipped(name string) handlerResult {
	return handlerResult{output: map[string]interface{}{
		"message": fmt.Sprintf("Action %s not implemented, skipped", name),
	}}
}

func (e *StepExecutor) dryRun() bool {
	return e.provisioner == nil || e.provisioner.DryRun()
}

// message prefixes a simulated outcome.
func (e *StepExecutor) message(done, simulated string) string {
	if e.dryRun() {
		return "[DRY-RUN] Would " + simulated
	}
	return done
}

func (e *StepExecutor) validatePlan(ctx context.Context, sc StepContext) handlerResult {
	if e.validator == nil {
		return handlerResult{output: map[string]interface{}{
			"message": "Guardrail service not available, validation skipped",
		}}
	}

	vr := e.validator.Validate(ctx, sc.Config, sc.Environment, sc.Constraints)
	hr := handlerResult{output: map[string]interface{}{
		"valid":              vr.Valid,
		"errors":             vr.Errors,
		"warnings":           vr.Warnings,
		"estimated_cost_usd": vr.EstimatedCostUSD,
	}}
	if !vr.Valid {
		hr.err = errors.New(strings.Join(vr.Errors, "; "))
	}
	return hr
}

func (e *StepExecutor) createModel(ctx context.Context, sc StepContext) handlerResult {
	modelName := sc.Config.ModelName
	if e.provisioner != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		name, err := e.provisioner.CreateModel(callCtx, sc.Config)
		if err != nil {
			return provisionFailure("failed to create model", err)
		}
		modelName = name
	}
	return handlerResult{output: map[string]interface{}{
		"message":    e.message("Model created", "create SageMaker model"),
		"model_name": modelName,
		"dry_run":    e.dryRun(),
	}}
}

func (e *StepExecutor) createEndpointConfig(ctx context.Context, sc StepContext) handlerResult {
	configName := sc.Config.EndpointConfigName()
	if e.provisioner != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		name, err := e.provisioner.CreateEndpointConfig(callCtx, sc.Config, sc.Config.ModelName)
		if err != nil {
			return provisionFailure("failed to create endpoint configuration", err)
		}
		configName = name
	}
	return handlerResult{output: map[string]interface{}{
		"message":              e.message("Endpoint configuration created", "create endpoint configuration"),
		"endpoint_config_name": configName,
		"endpoint_name":        sc.Config.EndpointName,
		"instance_type":        sc.Config.InstanceType,
		"instance_count":       sc.Config.InstanceCount,
		"dry_run":              e.dryRun(),
	}}
}

func (e *StepExecutor) createEndpoint(ctx context.Context, sc StepContext) handlerResult {
	endpointName := sc.Config.EndpointName
	state := EndpointStateCreating
	if e.provisioner != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		name, err := e.provisioner.CreateEndpoint(callCtx, sc.Config, sc.Config.EndpointConfigName())
		cancel()
		if err != nil {
			return provisionFailure("failed to create endpoint", err)
		}
		endpointName = name

		hr := e.waitForEndpoint(ctx, endpointName)
		if hr.err != nil {
			return hr
		}
		state = EndpointStateInService
	}
	return handlerResult{output: map[string]interface{}{
		"message":       e.message("Endpoint deployed", "create and deploy endpoint"),
		"endpoint_name": endpointName,
		"status":        string(state),
		"dry_run":       e.dryRun(),
	}}
}

// waitForEndpoint waits for the endpoint to reach a terminal state.
func (e *StepExecutor) waitForEndpoint(ctx context.Context, endpointName string) handlerResult {
	waitCtx, cancel := context.WithTimeout(ctx, e.readyTimeout)
	defer cancel()

	state, err := e.provisioner.WaitForReady(waitCtx, endpointName)
	if err != nil {
		return provisionFailure("endpoint did not become ready", err)
	}
	if state != EndpointStateInService {
		return handlerResult{
			err: NewPermanentError(fmt.Sprintf("endpoint reached state %s", state), nil).
				WithCode(ErrCodeProviderFailed).
				WithResource(endpointName),
			needsReplan: true,
		}
	}
	return handlerResult{}
}

func (e *StepExecutor) configureMonitoring(ctx context.Context, sc StepContext) handlerResult {
	var missing []string
	if e.provisioner != nil && len(sc.Config.RollbackAlarms) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		m, err := e.provisioner.CheckAlarms(callCtx, sc.Config.RollbackAlarms)
		if err != nil {
			return provisionFailure("failed to check rollback alarms", err)
		}
		missing = m
	}
	output := map[string]interface{}{
		"message":            e.message("Model Monitor configured", "configure Model Monitor"),
		"rollback_alarms":    sc.Config.RollbackAlarms,
		"monitoring_enabled": true,
	}
	if len(missing) > 0 {
		output["missing_alarms"] = missing
	}
	return handlerResult{output: output}
}

func (e *StepExecutor) verifyDeployment(ctx context.Context, sc StepContext) handlerResult {
	if e.provisioner != nil {
		if hr := e.waitForEndpoint(ctx, sc.Config.EndpointName); hr.err != nil {
			return hr
		}
	}
	return handlerResult{output: map[string]interface{}{
		"message":       e.message("Deployment verified", "verify endpoint health"),
		"endpoint_name": sc.Config.EndpointName,
		"healthy":       true,
	}}
}

// provisionFailure wraps a provisioning error. Provisioning failures that
// outlast the retry budget call for a different plan.
func provisionFailure(message string, err error) handlerResult {
	return handlerResult{
		err:         fmt.Errorf("%s: %w", message, err),
		needsReplan: true,
	}
}
