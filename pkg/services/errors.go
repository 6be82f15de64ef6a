// Package services provides the definition store and instance control
// operations exposed by the API, and the error types they report.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/dag"
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidInput   = errors.New("node input does not match executor schema")

	// Not Found Errors (404 Not Found).
	ErrNotFound = errors.New("not found")

	// Business Logic Conflicts (409 Conflict).
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrDefinitionNotDraft = errors.New("only draft definitions can be modified")
	ErrNotExecutable      = errors.New("definition is not executable")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, dag.ErrInvalidDefinition)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || persistence.IsNotFound(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDefinitionNotDraft) ||
		errors.Is(err, ErrNotExecutable) ||
		errors.Is(err, persistence.ErrDefinitionAlreadyExists) ||
		errors.Is(err, persistence.ErrRevisionConflict)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// translate maps engine errors to service sentinels.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrInvalidTransition):
		return &ServiceError{Op: op, Code: "INVALID_TRANSITION", Message: err.Error(), Err: ErrInvalidTransition}
	case errors.Is(err, engine.ErrDefinitionNotExecutable):
		return &ServiceError{Op: op, Code: "NOT_EXECUTABLE", Message: err.Error(), Err: ErrNotExecutable}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
