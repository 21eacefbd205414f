package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"

	ErrCodeWorkflowNotActive      = "WORKFLOW_NOT_ACTIVE"
	ErrCodeNoEntryStep            = "NO_ENTRY_STEP"
	ErrCodeUnknownStepType        = "UNKNOWN_STEP_TYPE"
	ErrCodeUnresolvedBranchTarget = "UNRESOLVED_BRANCH_TARGET"
)

// nonRetryable lists codes that describe a configuration or lifecycle problem.
// Retrying a step that failed with one of these cannot change the outcome.
var nonRetryable = map[string]bool{
	ErrCodeValidation:             true,
	ErrCodeNotFound:               true,
	ErrCodeInvalidTransition:      true,
	ErrCodeCancelled:              true,
	ErrCodeCircuitOpen:            true,
	ErrCodeWorkflowNotActive:      true,
	ErrCodeNoEntryStep:            true,
	ErrCodeUnknownStepType:        true,
	ErrCodeUnresolvedBranchTarget: true,
	ErrCodeRetryExhausted:         true,
}

// FlowError is the structured error type for all engine operations.
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

// IsRetryable reports whether a step failing with this error may be attempted again.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryable[e.Code]
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

// CodeOf returns the code of the first FlowError in err's chain, or "" if none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
