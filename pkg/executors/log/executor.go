// Package log provides the logging executor.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/protocol"
	"github.com/dukex/taskflow/pkg/template"
)

var validLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Executor writes a rendered message to the process log.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a log executor writing to logger.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Execute renders input.message against the instance context and logs it at input.level.
func (e *Executor) Execute(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	message, ok := req.Input["message"].(string)
	if !ok {
		return protocol.Result{}, errors.New("missing required field 'message'")
	}

	levelName := "info"
	if lvl, ok := req.Input["level"].(string); ok {
		levelName = lvl
	}

	level, ok := validLevels[levelName]
	if !ok {
		return protocol.Result{}, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", levelName)
	}

	rendered, err := template.RenderWithContext(message, req.Context)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to render log message template: %w", err)
	}

	text := fmt.Sprintf("%v", rendered)

	e.logger.Log(ctx, level, text,
		"instance_id", req.InstanceID,
		"node_id", req.NodeID,
		"attempt", req.Attempt,
	)

	return protocol.Result{Output: map[string]any{
		"message": text,
		"level":   levelName,
		"logged":  true,
	}}, nil
}
