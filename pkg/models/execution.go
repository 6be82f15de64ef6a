package models

import "time"

// NodeExecutionStatus is the state of a single node attempt.
type NodeExecutionStatus string

const (
	NodeExecutionPending   NodeExecutionStatus = "pending"
	NodeExecutionRunning   NodeExecutionStatus = "running"
	NodeExecutionSuccess   NodeExecutionStatus = "success"
	NodeExecutionFailed    NodeExecutionStatus = "failed"
	NodeExecutionSkipped   NodeExecutionStatus = "skipped"
	NodeExecutionCancelled NodeExecutionStatus = "cancelled"
)

// IsTerminal reports whether the attempt already has its final status.
func (s NodeExecutionStatus) IsTerminal() bool {
	switch s {
	case NodeExecutionSuccess, NodeExecutionFailed, NodeExecutionSkipped, NodeExecutionCancelled:
		return true
	case NodeExecutionPending, NodeExecutionRunning:
		return false
	}

	return false
}

// NodeExecution is one attempt of one node. Rows are ordered by Attempt.
type NodeExecution struct {
	ID              string              `json:"id"`
	InstanceID      string              `json:"instance_id"`
	NodeID          string              `json:"node_id"`
	Attempt         uint                `json:"attempt"`
	Status          NodeExecutionStatus `json:"status"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	EndTime         *time.Time          `json:"end_time,omitempty"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	ErrorKind       string              `json:"error_kind,omitempty"`
	InputData       map[string]any      `json:"input_data,omitempty"`
	OutputData      map[string]any      `json:"output_data,omitempty"`
	LeaseOwner      string              `json:"lease_owner,omitempty"`
	HeartbeatAt     *time.Time          `json:"heartbeat_at,omitempty"`
	ChildInstanceID *string             `json:"child_instance_id,omitempty"`
}

// Iteration is one pass of a loop node.
type Iteration struct {
	Index        int                 `json:"index"`
	Status       NodeExecutionStatus `json:"status"`
	Attempt      uint                `json:"attempt"`
	StartTime    *time.Time          `json:"start_time,omitempty"`
	EndTime      *time.Time          `json:"end_time,omitempty"`
	InputData    map[string]any      `json:"input_data,omitempty"`
	OutputData   map[string]any      `json:"output_data,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
}

// LoopExecution accumulates the iterations of a loop node.
type LoopExecution struct {
	InstanceID       string      `json:"instance_id"`
	NodeID           string      `json:"node_id"`
	Iterations       []Iteration `json:"iterations"`
	CurrentIteration int         `json:"current_iteration"`
	TotalIterations  int         `json:"total_iterations"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Iteration returns a pointer to the iteration with the given index, if present.
func (l *LoopExecution) Iteration(index int) *Iteration {
	for i := range l.Iterations {
		if l.Iterations[i].Index == index {
			return &l.Iterations[i]
		}
	}

	return nil
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// ExecutionLogEntry is an immutable record of a state transition.
type ExecutionLogEntry struct {
	ID               string    `json:"id"`
	InstanceID       string    `json:"instance_id"`
	NodeID           *string   `json:"node_id,omitempty"`
	Attempt          uint      `json:"attempt,omitempty"`
	Level            LogLevel  `json:"level"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
	EngineInstanceID string    `json:"engine_instance_id"`
}
