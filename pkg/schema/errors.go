package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodePermanent         = "PERMANENT_ERROR"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeDeadlock          = "DEADLOCK"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeGuardRejected     = "GUARD_REJECTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeLockHeld          = "LOCK_HELD"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// retryableCodes lists the codes a step retry policy is allowed to act on.
var retryableCodes = map[string]bool{
	ErrCodeTransient:   true,
	ErrCodeTimeout:     true,
	ErrCodeDeadlock:    true,
	ErrCodeCircuitOpen: true,
	ErrCodeLockHeld:    true,
	ErrCodeExecution:   true,
}

// codeClass maps specialised codes onto the broader code they refine.
var codeClass = map[string]string{
	ErrCodeCycleDetected: ErrCodeValidation,
}

// FlowError is the structured error type shared by every flowcore component.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches another *FlowError by code, so errors.Is(err, schema.NewError(code, ""))
// works as a code check.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return e.hasCode(t.Code)
}

func (e *FlowError) hasCode(code string) bool {
	return e.Code == code || codeClass[e.Code] == code
}

// IsRetryable reports whether the error class may be retried by a step policy.
func (e *FlowError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether any FlowError in err's chain carries the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	for err != nil {
		if errors.As(err, &fe) {
			if fe.hasCode(code) {
				return true
			}
			err = fe.Cause
			continue
		}
		return false
	}
	return false
}

// ErrorCode returns the code of the outermost FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsRetryable reports whether err should be handed to a retry policy.
// Errors that are not FlowErrors are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}
