package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/taskflow/pkg/channels/gochannel"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_RoutesByTopic(t *testing.T) {
	t.Parallel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(slog.Default(), pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	failed := make(chan *events.InstanceFailed, 1)
	commands := make(chan *events.Command, 1)

	require.NoError(t, bus.Handle(events.InstanceFailedEvent, func(_ context.Context, event any) error {
		failed <- event.(*events.InstanceFailed)

		return nil
	}))
	require.NoError(t, bus.Handle(events.CancelCommandEvent, func(_ context.Context, event any) error {
		commands <- event.(*events.Command)

		return nil
	}))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "inst-1", &events.InstanceFailed{
		BaseEvent: events.NewBaseEvent(events.InstanceFailedEvent, "inst-1"),
		ErrorKind: "business",
	}))
	require.NoError(t, bus.Publish(ctx, "inst-2", events.NewCommand(events.CancelCommandEvent, "inst-2")))
	require.NoError(t, bus.Publish(ctx, "inst-3", &events.InstancePaused{
		BaseEvent: events.NewBaseEvent(events.InstancePausedEvent, "inst-3"),
	}))

	select {
	case event := <-failed:
		assert.Equal(t, "inst-1", event.InstanceID)
		assert.Equal(t, "business", event.ErrorKind)
	case <-time.After(5 * time.Second):
		t.Fatal("instance.failed was not delivered")
	}

	select {
	case cmd := <-commands:
		assert.Equal(t, events.CancelCommandEvent, cmd.GetType())
		assert.Equal(t, "inst-2", cmd.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("command.cancel was not delivered")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	var publisher eventbus.EventPublisher = eventbus.Discard{}

	require.NoError(t, publisher.Publish(t.Context(), "k", events.NewCommand(events.RecoverCommandEvent, "")))
}
