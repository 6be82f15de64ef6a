// Package events defines the lifecycle notifications published by the engine
// and the remote commands it consumes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	Topic        = "taskflow.events"   // Instance and node lifecycle events
	CommandTopic = "taskflow.commands" // Remote control of engine processes
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Instance lifecycle events.
	InstanceStartedEvent   EventType = "instance.started"
	InstancePausedEvent    EventType = "instance.paused"
	InstanceResumedEvent   EventType = "instance.resumed"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"

	// Node attempt events.
	NodeExecutionFinishedEvent EventType = "node.execution.finished"
	NodeExecutionFailedEvent   EventType = "node.execution.failed"

	// Commands.
	StartCommandEvent   EventType = "command.start"
	PauseCommandEvent   EventType = "command.pause"
	ResumeCommandEvent  EventType = "command.resume"
	CancelCommandEvent  EventType = "command.cancel"
	RecoverCommandEvent EventType = "command.recover"
)

// IsCommand reports whether t travels on CommandTopic.
func (t EventType) IsCommand() bool {
	switch t {
	case StartCommandEvent, PauseCommandEvent, ResumeCommandEvent, CancelCommandEvent, RecoverCommandEvent:
		return true
	default:
		return false
	}
}

// TopicFor returns the topic events of type t are published on.
func TopicFor(t EventType) string {
	if t.IsCommand() {
		return CommandTopic
	}

	return Topic
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id,omitempty"`
	EngineID   string         `json:"engine_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

type InstanceStarted struct {
	BaseEvent

	DefinitionName    string `json:"definition_name"`
	DefinitionVersion uint   `json:"definition_version"`
	BusinessKey       string `json:"business_key,omitempty"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstancePaused struct {
	BaseEvent
}

func (e InstancePaused) GetType() EventType {
	return InstancePausedEvent
}

type InstanceResumed struct {
	BaseEvent
}

func (e InstanceResumed) GetType() EventType {
	return InstanceResumedEvent
}

type InstanceCompleted struct {
	BaseEvent

	Outputs  map[string]map[string]any `json:"outputs,omitempty"`
	Duration time.Duration             `json:"duration"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	ErrorKind   string        `json:"error_kind"`
	Error       string        `json:"error"`
	FailedNodes []string      `json:"failed_nodes,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

// NodeExecutionFinished is published when an attempt succeeds.
type NodeExecutionFinished struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Attempt     uint           `json:"attempt"`
	Iteration   *int           `json:"iteration,omitempty"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func (e NodeExecutionFinished) GetType() EventType {
	return NodeExecutionFinishedEvent
}

// NodeExecutionFailed is published when an attempt fails, whether or not it
// is retried.
type NodeExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Attempt     uint   `json:"attempt"`
	Iteration   *int   `json:"iteration,omitempty"`
	ErrorKind   string `json:"error_kind"`
	Error       string `json:"error"`
	WillRetry   bool   `json:"will_retry"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e NodeExecutionFailed) GetType() EventType {
	return NodeExecutionFailedEvent
}

// Command asks an engine process to act on an instance. Its Type is one of
// the command event types.
type Command struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (c Command) GetType() EventType {
	return c.Type
}

// NewCommand builds a command of type t for instanceID. Recover commands
// carry no instance.
func NewCommand(t EventType, instanceID string) *Command {
	return &Command{BaseEvent: NewBaseEvent(t, instanceID)}
}

// New returns an empty event value for t, ready to be decoded into.
func New(t EventType) (any, bool) {
	switch t {
	case InstanceStartedEvent:
		return &InstanceStarted{}, true
	case InstancePausedEvent:
		return &InstancePaused{}, true
	case InstanceResumedEvent:
		return &InstanceResumed{}, true
	case InstanceCompletedEvent:
		return &InstanceCompleted{}, true
	case InstanceFailedEvent:
		return &InstanceFailed{}, true
	case InstanceCancelledEvent:
		return &InstanceCancelled{}, true
	case NodeExecutionFinishedEvent:
		return &NodeExecutionFinished{}, true
	case NodeExecutionFailedEvent:
		return &NodeExecutionFailed{}, true
	case StartCommandEvent, PauseCommandEvent, ResumeCommandEvent, CancelCommandEvent, RecoverCommandEvent:
		return &Command{}, true
	default:
		return nil, false
	}
}
