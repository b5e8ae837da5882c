package operations

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of pipeline error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeExecution     ErrorType = "execution"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeCancellation  ErrorType = "cancellation"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeInvalidState  ErrorType = "invalid_state"
	ErrorTypeConfiguration ErrorType = "configuration"
)

// OperationError represents a pipeline-specific error
type OperationError struct {
	Type    ErrorType              `json:"type"`
	Step    string                 `json:"step,omitempty"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "unknown operation error"
	}
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Type, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches sentinel OperationErrors by type and message so wrapped
// copies still compare equal.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message && (t.Step == "" || t.Step == e.Step)
}

// NewValidationError creates a new validation error
func NewValidationError(step, message string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeValidation,
		Step:    step,
		Message: message,
	}
}

// NewConfigurationError creates an error for an invalid startup configuration
func NewConfigurationError(message string, cause error) *OperationError {
	return &OperationError{
		Type:    ErrorTypeConfiguration,
		Message: message,
		Cause:   cause,
	}
}

// NewExecutionError wraps a stage failure. The stage's own message is kept
// verbatim so it can be shown to clients unchanged.
func NewExecutionError(step string, cause error) *OperationError {
	msg := "stage execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &OperationError{
		Type:    ErrorTypeExecution,
		Step:    step,
		Message: msg,
		Cause:   cause,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(step string, timeout string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeTimeout,
		Step:    step,
		Message: fmt.Sprintf("stage exceeded timeout of %s", timeout),
		Context: map[string]interface{}{
			"timeout": timeout,
		},
	}
}

// NewCancellationError creates a new cancellation error
func NewCancellationError(step string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeCancellation,
		Step:    step,
		Message: "operation was cancelled",
	}
}

// GetErrorType returns the type of the error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Type
	}
	return ErrorTypeExecution
}

// IsCancellation reports whether err represents a cancelled job.
func IsCancellation(err error) bool {
	return GetErrorType(err) == ErrorTypeCancellation
}

// Common supervisor errors
var (
	// ErrJobNotFound is returned when no job with the given ID is known
	ErrJobNotFound = &OperationError{
		Type:    ErrorTypeNotFound,
		Message: "job not found",
	}

	// ErrJobFinished is returned when trying to cancel a job that already ended
	ErrJobFinished = &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: "job has already finished",
	}

	// ErrNotComplete is returned when a result is requested before the job ends
	ErrNotComplete = &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: "job has not finished",
	}

	// ErrShuttingDown is returned by Start after Shutdown was called
	ErrShuttingDown = &OperationError{
		Type:    ErrorTypeInvalidState,
		Message: "supervisor is shutting down",
	}
)
