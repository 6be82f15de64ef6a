package kafka_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/taskflow/pkg/channels/kafka"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestChannel_RoundTripsCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "taskflow-test", false)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)

	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan *events.Command, 1)

	require.NoError(t, bus.Handle(events.CancelCommandEvent, func(_ context.Context, event any) error {
		cmd, ok := event.(*events.Command)
		require.True(t, ok)

		received <- cmd

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	cmd := events.NewCommand(events.CancelCommandEvent, "instance-1")
	cmd.Reason = "operator request"

	require.NoError(t, bus.Publish(ctx, cmd.InstanceID, cmd))

	select {
	case got := <-received:
		assert.Equal(t, cmd.ID, got.ID)
		assert.Equal(t, "instance-1", got.InstanceID)
		assert.Equal(t, "operator request", got.Reason)
	case <-ctx.Done():
		t.Fatal("command was not delivered")
	}
}
