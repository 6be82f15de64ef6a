package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Controller applies lifecycle commands to instances.
type Controller interface {
	Start(ctx context.Context, instanceID string) error
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Cancel(ctx context.Context, instanceID, reason string) error
	// Recover runs a recovery sweep. A nil report means the sweep was handed
	// to another process.
	Recover(ctx context.Context) (*engine.RecoveryReport, error)
}

// EmbeddedController drives an engine running in this process.
type EmbeddedController struct {
	engine *engine.Engine
}

func NewEmbeddedController(e *engine.Engine) *EmbeddedController {
	return &EmbeddedController{engine: e}
}

func (c *EmbeddedController) Start(ctx context.Context, instanceID string) error {
	return translate("Start", c.engine.Start(ctx, instanceID))
}

func (c *EmbeddedController) Pause(ctx context.Context, instanceID string) error {
	return translate("Pause", c.engine.Pause(ctx, instanceID))
}

func (c *EmbeddedController) Resume(ctx context.Context, instanceID string) error {
	return translate("Resume", c.engine.Resume(ctx, instanceID))
}

func (c *EmbeddedController) Cancel(ctx context.Context, instanceID, reason string) error {
	return translate("Cancel", c.engine.Cancel(ctx, instanceID, reason))
}

func (c *EmbeddedController) Recover(ctx context.Context) (*engine.RecoveryReport, error) {
	report, err := c.engine.RecoverNow(ctx)
	if err != nil {
		return &report, fmt.Errorf("recovery sweep finished with errors: %w", err)
	}

	return &report, nil
}

// RemoteController publishes commands for engine processes to consume. It
// rejects commands on missing or terminal instances up front; every other
// transition is checked by the engine that applies it.
type RemoteController struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewRemoteController(persistence persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *RemoteController {
	return &RemoteController{
		persistence: persistence,
		publisher:   publisher,
		logger:      logger.With("module", "remote_controller"),
	}
}

func (c *RemoteController) Start(ctx context.Context, instanceID string) error {
	return c.send(ctx, events.NewCommand(events.StartCommandEvent, instanceID))
}

func (c *RemoteController) Pause(ctx context.Context, instanceID string) error {
	return c.send(ctx, events.NewCommand(events.PauseCommandEvent, instanceID))
}

func (c *RemoteController) Resume(ctx context.Context, instanceID string) error {
	return c.send(ctx, events.NewCommand(events.ResumeCommandEvent, instanceID))
}

func (c *RemoteController) Cancel(ctx context.Context, instanceID, reason string) error {
	cmd := events.NewCommand(events.CancelCommandEvent, instanceID)
	cmd.Reason = reason

	return c.send(ctx, cmd)
}

func (c *RemoteController) Recover(ctx context.Context) (*engine.RecoveryReport, error) {
	if err := c.publisher.Publish(ctx, "recovery", events.NewCommand(events.RecoverCommandEvent, "")); err != nil {
		return nil, fmt.Errorf("failed to publish recovery command: %w", err)
	}

	return nil, nil
}

func (c *RemoteController) send(ctx context.Context, cmd *events.Command) error {
	inst, err := c.persistence.InstanceRepository().Get(ctx, cmd.InstanceID)
	if err != nil {
		return err
	}

	if inst.Status.IsTerminal() {
		return &ServiceError{
			Op:      string(cmd.Type),
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("instance %s is %s", inst.ID, inst.Status),
			Err:     ErrInvalidTransition,
		}
	}

	if err := c.publisher.Publish(ctx, cmd.InstanceID, cmd); err != nil {
		return fmt.Errorf("failed to publish %s: %w", cmd.Type, err)
	}

	c.logger.DebugContext(ctx, "Command published", "command", cmd.Type, "instance_id", cmd.InstanceID)

	return nil
}

// CommandHandler applies remote commands to a local controller.
type CommandHandler struct {
	controller Controller
	logger     *slog.Logger
}

func NewCommandHandler(controller Controller, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		controller: controller,
		logger:     logger.With("module", "command_handler"),
	}
}

// Register subscribes h to every command type.
func (h *CommandHandler) Register(sub eventbus.EventSubscriber) error {
	for _, t := range []events.EventType{
		events.StartCommandEvent,
		events.PauseCommandEvent,
		events.ResumeCommandEvent,
		events.CancelCommandEvent,
		events.RecoverCommandEvent,
	} {
		if err := sub.Handle(t, h.Handle); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", t, err)
		}
	}

	return nil
}

// Handle applies one command. Commands rejected by the instance lifecycle or
// naming an unknown instance are dropped; other failures are returned so the
// message is redelivered.
func (h *CommandHandler) Handle(ctx context.Context, event any) error {
	cmd, ok := event.(*events.Command)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	var err error

	switch cmd.Type {
	case events.StartCommandEvent:
		err = h.controller.Start(ctx, cmd.InstanceID)
	case events.PauseCommandEvent:
		err = h.controller.Pause(ctx, cmd.InstanceID)
	case events.ResumeCommandEvent:
		err = h.controller.Resume(ctx, cmd.InstanceID)
	case events.CancelCommandEvent:
		err = h.controller.Cancel(ctx, cmd.InstanceID, cmd.Reason)
	case events.RecoverCommandEvent:
		var report *engine.RecoveryReport

		report, err = h.controller.Recover(ctx)
		if report != nil {
			h.logger.InfoContext(ctx, "Remote recovery sweep finished", "report", report)
		}
	default:
		h.logger.WarnContext(ctx, "Ignoring unknown command", "command", cmd.Type)

		return nil
	}

	if err != nil && (IsConflictError(err) || IsNotFoundError(err)) {
		h.logger.WarnContext(ctx, "Command rejected", "command", cmd.Type, "instance_id", cmd.InstanceID, "error", err)

		return nil
	}

	return err
}
