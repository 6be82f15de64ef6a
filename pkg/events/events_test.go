package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CommandTopic, TopicFor(CancelCommandEvent))
	assert.Equal(t, CommandTopic, TopicFor(RecoverCommandEvent))
	assert.Equal(t, Topic, TopicFor(InstanceFailedEvent))
	assert.Equal(t, Topic, TopicFor(NodeExecutionFinishedEvent))
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, eventType := range []EventType{
		InstanceStartedEvent, InstancePausedEvent, InstanceResumedEvent, InstanceCompletedEvent,
		InstanceFailedEvent, InstanceCancelledEvent, NodeExecutionFinishedEvent, NodeExecutionFailedEvent,
		StartCommandEvent, PauseCommandEvent, ResumeCommandEvent, CancelCommandEvent, RecoverCommandEvent,
	} {
		event, ok := New(eventType)
		assert.True(t, ok, eventType)
		assert.NotNil(t, event, eventType)
	}

	_, ok := New("workflow.triggered")
	assert.False(t, ok)
}

func TestInstanceFailed_JSONSerialization(t *testing.T) {
	t.Parallel()

	original := &InstanceFailed{
		BaseEvent:   NewBaseEvent(InstanceFailedEvent, "inst-1"),
		ErrorKind:   "business",
		Error:       "node X failed",
		FailedNodes: []string{"X"},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"instance.failed"`)
	assert.Contains(t, string(data), `"instance_id":"inst-1"`)

	decoded, ok := New(InstanceFailedEvent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(data, decoded))

	failed, ok := decoded.(*InstanceFailed)
	require.True(t, ok)
	assert.Equal(t, original.FailedNodes, failed.FailedNodes)
	assert.Equal(t, original.ErrorKind, failed.ErrorKind)
	assert.Equal(t, InstanceFailedEvent, failed.GetType())
}

func TestCommand_GetType(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(PauseCommandEvent, "inst-1")
	assert.Equal(t, PauseCommandEvent, cmd.GetType())
	assert.Equal(t, "inst-1", cmd.InstanceID)
}
