package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// Application error types carried across the Temporal boundary.
const (
	// ErrTypePipelineFailed marks a transient pipeline outcome. It is
	// retried by the activity retry policy and carries the outcome as
	// details.
	ErrTypePipelineFailed = "PipelineFailed"
	// ErrTypeTenantGone marks a tenant that no longer exists. Not retried.
	ErrTypeTenantGone = "TenantGone"
	// ErrTypeCredentials marks credentials that could not be resolved. Not
	// retried.
	ErrTypeCredentials = "CredentialsUnresolved"
)

// ErrorSeverity says whether a failed activity ends the workflow.
type ErrorSeverity string

const (
	// ErrorSeverityCritical ends the workflow with a failed outcome.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityLow is logged and the workflow continues.
	ErrorSeverityLow ErrorSeverity = "low"
)

// WorkflowError is an activity failure annotated with the operation and
// the issue it concerned.
type WorkflowError struct {
	Operation string
	Severity  ErrorSeverity
	Err       error
	Context   string
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// nonRetryable converts err into an application error the retry policy
// gives up on immediately.
func nonRetryable(errType string, err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}

// resultFromError recovers the outcome attached to a failed remediation
// activity. ok is false when err carries none.
func resultFromError(err error) (res RemediationResult, ok bool) {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || appErr.Type() != ErrTypePipelineFailed || !appErr.HasDetails() {
		return res, false
	}
	if derr := appErr.Details(&res); derr != nil {
		return res, false
	}
	return res, true
}
