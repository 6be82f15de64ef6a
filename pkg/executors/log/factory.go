package log

import (
	"context"
	"log/slog"

	"github.com/dukex/taskflow/pkg/protocol"
)

// Factory creates log executors.
type Factory struct {
	logger *slog.Logger
}

// NewFactory creates a new factory instance.
func NewFactory(logger *slog.Logger) protocol.ExecutorFactory {
	return &Factory{logger: logger}
}

func (f *Factory) Create(_ context.Context) (protocol.Executor, error) {
	return NewExecutor(f.logger.With("executor", "log")), nil
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Name() string {
	return "Log"
}

func (f *Factory) Description() string {
	return "Logs messages at different levels (debug, info, warn, error) with template support for dynamic content"
}

// Schema returns the JSON schema of the log input.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating with the instance context.",
				"examples": []string{
					"Processing user: {{.input.user_name}}",
					"Fetched {{len .nodes.fetch.json}} records",
					"Item {{.index}}: {{.item}}",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"enum":        []string{"debug", "info", "warn", "error"},
				"default":     "info",
			},
		},
		"required": []string{"message"},
	}
}
