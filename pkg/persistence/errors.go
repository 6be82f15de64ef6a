package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no definition matched the given identity.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrDefinitionAlreadyExists indicates (name, version) is already taken.
	ErrDefinitionAlreadyExists = errors.New("definition already exists")

	// ErrInstanceNotFound indicates no instance matched the given identifier.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNodeExecutionNotFound indicates no node execution matched the given identifier.
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrLoopExecutionNotFound indicates a loop node has no recorded progress.
	ErrLoopExecutionNotFound = errors.New("loop execution not found")

	// ErrRevisionConflict indicates an instance was modified concurrently.
	ErrRevisionConflict = errors.New("instance revision conflict")
)

// DefinitionError wraps definition errors with the operation and identity.
type DefinitionError struct {
	Op      string
	Name    string
	Version uint
	Err     error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s operation failed for definition %s@%d: %v", e.Op, e.Name, e.Version, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for definition errors.
func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDefinitionError creates a new definition error with context.
func NewDefinitionError(op, name string, version uint, err error) *DefinitionError {
	return &DefinitionError{Op: op, Name: name, Version: version, Err: err}
}

// InstanceError wraps instance errors with the operation and instance id.
type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a definition was not found.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsInstanceNotFound checks if an error indicates an instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsRevisionConflict checks if a commit lost an optimistic concurrency race.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}

// IsNotFound checks for any of the not found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrNodeExecutionNotFound) ||
		errors.Is(err, ErrLoopExecutionNotFound)
}
