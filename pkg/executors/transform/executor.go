// Package transform provides an executor that reshapes data with text/template.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/protocol"
	"github.com/dukex/taskflow/pkg/template"
)

// Executor renders input.expression against the instance context.
type Executor struct{}

func (e *Executor) Execute(_ context.Context, req protocol.Request) (protocol.Result, error) {
	expression, ok := req.Input["expression"].(string)
	if !ok {
		return protocol.Result{}, errors.New("missing required field 'expression'")
	}

	data := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		data[k] = v
	}

	data["self"] = req.Input

	result, err := template.RenderWithContext(expression, data)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("transformation failed: %w", err)
	}

	return protocol.Result{Output: map[string]any{"result": result}}, nil
}

// Factory creates transform executors.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.ExecutorFactory {
	return &Factory{}
}

func (f *Factory) Create(_ context.Context) (protocol.Executor, error) {
	return &Executor{}, nil
}

func (f *Factory) ID() string {
	return "transform"
}

func (f *Factory) Name() string {
	return "Transform"
}

func (f *Factory) Description() string {
	return "Renders a Go template against the instance context and returns the parsed result"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Go template rendered against the instance context. JSON, numbers and booleans are parsed.",
				"examples": []string{
					`{"total": {{len .nodes.fetch.json}}}`,
					"{{.input.first_name}} {{.input.last_name}}",
				},
			},
		},
		"required": []string{"expression"},
	}
}
