package errs

import "fmt"

// Severity classifies a failed remediation step.
//
//   - SeverityCritical: the run fails; record and return.
//   - SeverityHigh: record on the result and continue.
//   - SeverityLow: log as a warning only.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// WorkflowError is a structured failure of one remediation step.
type WorkflowError struct {
	Operation string
	Severity  Severity
	Err       error
	Context   string
}

func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %v (%s)", e.Operation, e.Err, e.Context)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// NewWorkflowError creates a workflow error for operation.
func NewWorkflowError(operation string, severity Severity, err error, context string) *WorkflowError {
	return &WorkflowError{Operation: operation, Severity: severity, Err: err, Context: context}
}

// FormatForResult renders err for a result's human-readable error list.
func FormatForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}
