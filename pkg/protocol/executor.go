// Package protocol defines the contract between the engine and pluggable
// executors that implement node business logic.
package protocol

import (
	"context"
)

// Request is one invocation of an executor for a node attempt.
type Request struct {
	InstanceID     string
	DefinitionName string
	NodeID         string
	Attempt        uint
	// Iteration is set for loop node iterations.
	Iteration *int
	// Input is the node input_data, plus item and index for loop iterations.
	Input map[string]any
	// Context is the instance context used for template rendering: the
	// instance input, the outputs of finished nodes and loop variables.
	Context map[string]any
}

// Result is the outcome of a successful invocation.
type Result struct {
	Output map[string]any
}

// Executor runs the business logic behind an executor_ref. Returning an error
// reports a business failure that is subject to the node retry policy. The
// context is cancelled on timeout and on instance cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// ExecutorFactory creates executors and describes their input.
type ExecutorFactory interface {
	// Create returns an executor ready to serve one invocation
	Create(ctx context.Context) (Executor, error)

	// ID returns the executor_ref this factory serves
	ID() string

	// Name returns the human-readable name
	Name() string

	// Description returns a description of what the executor does
	Description() string

	// Schema returns the JSON schema of the node input_data, or nil
	Schema() map[string]any
}
