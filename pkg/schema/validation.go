package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a definition from being stored.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Issue codes reported by definition validation.
const (
	IssueSchema           = "SCHEMA"
	IssueDuplicateStepID  = "DUPLICATE_STEP_ID"
	IssueUnknownStepType  = "UNKNOWN_STEP_TYPE"
	IssueNoEntryStep      = "NO_ENTRY_STEP"
	IssueUnknownTarget    = "UNKNOWN_TARGET"
	IssueUnknownOperator  = "UNKNOWN_OPERATOR"
	IssueMissingConfig    = "MISSING_CONFIG"
	IssueUnreachableStep  = "UNREACHABLE_STEP"
	IssueBadExpression    = "BAD_EXPRESSION"
	IssueBadFallback      = "BAD_FALLBACK"
	IssueHighRetryCount   = "HIGH_RETRY_COUNT"
	IssueUnknownDependsOn = "UNKNOWN_DEPENDS_ON"
	IssueCycle            = "CYCLE"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates the issues found in a workflow definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings do not invalidate.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error or warning carries the given issue code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, is := range r.Errors {
		if is.Code == code {
			return true
		}
	}
	for _, is := range r.Warnings {
		if is.Code == code {
			return true
		}
	}
	return false
}

// ToError converts the result to a VALIDATION_ERROR FlowError, or nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Path + ": " + r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition has %d errors, first at %s", len(r.Errors), msg)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}

// StepPath formats the location of a field inside the i-th step.
func StepPath(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("steps[%d]", i)
	}
	return fmt.Sprintf("steps[%d].%s", i, field)
}
