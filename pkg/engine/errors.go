package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/registry"
)

// ErrorKind classifies why a node or an instance failed.
type ErrorKind string

const (
	ErrorKindDefinition     ErrorKind = "definition"
	ErrorKindConfiguration  ErrorKind = "configuration"
	ErrorKindBusiness       ErrorKind = "business"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
)

var (
	// ErrInvalidTransition is returned when a command is not allowed in the
	// current instance status. Terminal instances accept no command.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDefinitionNotExecutable is returned when creating an instance of a
	// definition that is not active and enabled.
	ErrDefinitionNotExecutable = errors.New("definition is not executable")

	// ErrTimeout fails an attempt whose deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrLeaseExpired fails an attempt whose engine stopped heartbeating.
	ErrLeaseExpired = errors.New("lease expired")

	errNotOwner = errors.New("instance is owned by another engine")
)

// ConfigurationError reports a node that can never run as declared, such as
// a condition that does not evaluate or a subprocess definition that does not
// exist. It is never retried.
type ConfigurationError struct {
	NodeID string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Classify maps an attempt error to its kind.
func Classify(err error) ErrorKind {
	var (
		registryErr *registry.ConfigurationError
		nodeErr     *ConfigurationError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &registryErr), errors.As(err, &nodeErr):
		return ErrorKindConfiguration
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrLeaseExpired):
		return ErrorKindInfrastructure
	default:
		return ErrorKindBusiness
	}
}

// IsInvalidTransition reports whether err is a rejected lifecycle command.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
