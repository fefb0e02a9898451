package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether a failed step is retried, replanned or left
// failed.
type ErrorClass string

const (
	// ErrorClassTransient covers provisioning 5xx responses and resources
	// that are still updating. The step is retried.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled is a rate limit or quota rejection. The step is
	// retried after backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict means another operation holds the resource, or a
	// plan already has a running worker.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers guardrail violations, bad step input and
	// access denied. Retrying cannot help.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Retryable reports whether errors of this class are worth retrying.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient || c == ErrorClassThrottled || c == ErrorClassConflict
}

// EngineError is an error carrying a class, a code and the plan resource it
// concerns.
// nolint:revive // stutters with the package name, kept for clarity at call sites
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`

	// Code is one of the ErrCode constants.
	Code string `json:"code,omitempty"`

	// Resource names the model, endpoint or plan involved.
	Resource string `json:"resource,omitempty"`

	// Operation is the step action or service call that failed.
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	var ctx []string
	if e.Operation != "" {
		ctx = append(ctx, "op="+e.Operation)
	}
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, " "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so sentinel
// values such as ErrPlanNotFound work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewThrottledError wraps err as a rate-limit failure.
func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err).WithCode(ErrCodeRateLimited)
}

// NewConflictError wraps err as a conflict.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
}

// NewPermanentError wraps err as a failure that retrying cannot fix.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// WithResource sets the resource and returns e.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation sets the operation and returns e.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the code and returns e.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail and returns e.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain. Errors
// that were never classified count as permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsThrottled reports whether err is a rate-limit failure.
func IsThrottled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassThrottled
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsPermanent reports whether err cannot be fixed by retrying.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether a step failing with err should be retried.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err).Retryable()
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrPlanNotFound is returned by plan repositories for unknown plan IDs.
var ErrPlanNotFound = NewPermanentError("plan not found", nil).WithCode(ErrCodeNotFound)

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
)
