package provisioner

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

var throttlingCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
}

var transientCodes = map[string]bool{
	"ResourceInUse":         true,
	"ResourceLimitExceeded": true,
	"ServiceUnavailable":    true,
	"InternalFailure":       true,
}

// classify converts a cloud SDK error into an engine error so the
// orchestrator can decide whether to retry.
func classify(operation, resource string, err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(operation+" timed out", err).
			WithCode(engine.ErrCodeTimeout).WithOperation(operation).WithResource(resource)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError(operation+" cancelled", err).
			WithCode(engine.ErrCodeCancelled).WithOperation(operation).WithResource(resource)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttlingCodes[code]:
			return engine.NewThrottledError(operation+" throttled", err).
				WithCode(engine.ErrCodeRateLimited).WithOperation(operation).WithResource(resource)
		case transientCodes[code]:
			return engine.NewTransientError(operation+" failed", err).
				WithCode(engine.ErrCodeProviderFailed).WithOperation(operation).WithResource(resource)
		case isNotFound(err):
			return engine.NewPermanentError(operation+" failed", err).
				WithCode(engine.ErrCodeNotFound).WithOperation(operation).WithResource(resource)
		case code == "AccessDeniedException" || code == "AccessDenied":
			return engine.NewPermanentError(operation+" denied", err).
				WithCode(engine.ErrCodePermissionDenied).WithOperation(operation).WithResource(resource)
		case code == "ValidationException":
			return engine.NewPermanentError(operation+" rejected", err).
				WithCode(engine.ErrCodeValidation).WithOperation(operation).WithResource(resource)
		case apiErr.ErrorFault() == smithy.FaultServer:
			return engine.NewTransientError(operation+" failed", err).
				WithCode(engine.ErrCodeProviderFailed).WithOperation(operation).WithResource(resource)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return engine.NewTransientError(operation+" failed", err).
			WithCode(engine.ErrCodeProviderFailed).WithOperation(operation).WithResource(resource)
	}

	return engine.NewPermanentError(operation+" failed", err).
		WithCode(engine.ErrCodeProviderFailed).WithOperation(operation).WithResource(resource)
}

// isAlreadyExists reports a create call for a resource that already exists.
func isAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "already exist")
}

// isNotFound reports a missing resource. SageMaker answers some lookups of
// missing resources with a ValidationException.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.ErrorCode() == "ResourceNotFound" || apiErr.ErrorCode() == "ResourceNotFoundException" {
		return true
	}
	msg := strings.ToLower(apiErr.ErrorMessage())
	return apiErr.ErrorCode() == "ValidationException" &&
		(strings.Contains(msg, "could not find") || strings.Contains(msg, "does not exist"))
}
