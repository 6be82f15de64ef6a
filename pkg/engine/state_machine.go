package engine

import (
	"context"
	"fmt"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerStart    trigger = "start"
	triggerPause    trigger = "pause"
	triggerResume   trigger = "resume"
	triggerComplete trigger = "complete"
	triggerFail     trigger = "fail"
	triggerCancel   trigger = "cancel"
)

// newStateMachine binds the instance lifecycle to inst.Status. Terminal
// states are left unconfigured so every trigger is unhandled there.
func newStateMachine(inst *models.WorkflowInstance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return inst.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			inst.Status = state.(models.InstanceStatus)

			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(models.InstanceStatusPending).
		Permit(triggerStart, models.InstanceStatusRunning).
		Permit(triggerFail, models.InstanceStatusFailed).
		Permit(triggerCancel, models.InstanceStatusCancelled)

	sm.Configure(models.InstanceStatusRunning).
		Permit(triggerPause, models.InstanceStatusPaused).
		Permit(triggerComplete, models.InstanceStatusCompleted).
		Permit(triggerFail, models.InstanceStatusFailed).
		Permit(triggerCancel, models.InstanceStatusCancelled)

	sm.Configure(models.InstanceStatusPaused).
		Permit(triggerResume, models.InstanceStatusRunning).
		Permit(triggerFail, models.InstanceStatusFailed).
		Permit(triggerCancel, models.InstanceStatusCancelled)

	sm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, t stateless.Trigger, _ []string) error {
		return fmt.Errorf("%w: cannot %s instance %s in status %s", ErrInvalidTransition, t, inst.ID, state)
	})

	return sm
}

func fire(ctx context.Context, inst *models.WorkflowInstance, t trigger) error {
	return newStateMachine(inst).FireCtx(ctx, t)
}

func permits(ctx context.Context, inst *models.WorkflowInstance, t trigger) bool {
	ok, err := newStateMachine(inst).CanFireCtx(ctx, t)

	return err == nil && ok
}
