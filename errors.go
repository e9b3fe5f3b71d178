package orchestra

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeValidation indicates malformed input. Validation errors are
	// recovered locally and never mutate state.
	ErrorTypeValidation = "validation_error"

	// ErrorTypeCircularDependency indicates a dependency edge that would
	// create a cycle. The edge is rejected before any mutation is visible.
	ErrorTypeCircularDependency = "circular_dependency"

	// ErrorTypeStaleState indicates an optimistic-concurrency conflict: the
	// caller's view of the workflow state is out of date and must be
	// re-read before retrying.
	ErrorTypeStaleState = "stale_state"

	// ErrorTypeSynchronizationTimeout indicates a synchronization barrier
	// that timed out before all participants arrived.
	ErrorTypeSynchronizationTimeout = "synchronization_timeout"

	// ErrorTypeConflictUnresolved indicates a detected conflict that no
	// configured strategy could resolve. Escalates to manual intervention.
	ErrorTypeConflictUnresolved = "conflict_unresolved"

	// ErrorTypeRecoveryFailure indicates a corrupt or unavailable
	// checkpoint. Fatal for the workflow and always surfaced.
	ErrorTypeRecoveryFailure = "recovery_failure"

	// ErrorTypeTimeout matches a timeout or context canceled error
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates an error that must never be retried. By
	// default unknown errors are classified as transient so that retries
	// are allowed; errors known to be unretryable carry this type.
	ErrorTypeFatal = "fatal_error"

	// ErrorTypeTransient matches any error except timeouts and fatal errors
	ErrorTypeTransient = "transient"
)

// OrchestrationError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method.
type OrchestrationError struct {
	Type       string      `json:"type"`
	Cause      string      `json:"cause"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	Checkpoint int64       `json:"checkpoint,omitempty"`
	Details    interface{} `json:"details,omitempty"`
	Wrapped    error       `json:"-"`
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("%s: %s (workflow %s, checkpoint %d)",
			e.Type, e.Cause, e.WorkflowID, e.Checkpoint)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *OrchestrationError) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new OrchestrationError with the specified type and cause.
func NewError(errorType, cause string) *OrchestrationError {
	return &OrchestrationError{Type: errorType, Cause: cause}
}

// NewErrorf creates a new OrchestrationError with a formatted cause.
func NewErrorf(errorType, format string, args ...any) *OrchestrationError {
	return &OrchestrationError{Type: errorType, Cause: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches the workflow id and its last valid checkpoint
// sequence to the error, so user-visible failures always carry both.
func (e *OrchestrationError) WithWorkflow(workflowID string, checkpoint int64) *OrchestrationError {
	e.WorkflowID = workflowID
	e.Checkpoint = checkpoint
	return e
}

// Classify attempts to classify a regular error into an OrchestrationError
func Classify(err error) *OrchestrationError {
	var oErr *OrchestrationError
	if errors.As(err, &oErr) {
		return oErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &OrchestrationError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &OrchestrationError{
		Type:    ErrorTypeTransient,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	oErr := Classify(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if oErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeTransient:
		return oErr.Type != ErrorTypeTimeout
	default:
		return oErr.Type == errorType
	}
}

// IsStructural reports whether an error belongs to a structural class that
// must be surfaced rather than retried: validation failures, cycles,
// unresolved conflicts, and recovery failures. Transient classes (timeouts,
// stale state) are retried locally first.
func IsStructural(err error) bool {
	switch Classify(err).Type {
	case ErrorTypeCircularDependency, ErrorTypeConflictUnresolved,
		ErrorTypeRecoveryFailure, ErrorTypeValidation:
		return true
	}
	return false
}
