package models

import (
	"slices"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// InstanceStatuses lists every InstanceStatus.
var InstanceStatuses = []InstanceStatus{
	InstanceStatusPending,
	InstanceStatusRunning,
	InstanceStatusPaused,
	InstanceStatusCompleted,
	InstanceStatusFailed,
	InstanceStatusCancelled,
}

// IsTerminal reports whether no further transitions are accepted.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// IsValid reports whether s is a known status.
func (s InstanceStatus) IsValid() bool {
	return slices.Contains(InstanceStatuses, s)
}

// RetryState is a persisted pending re-dispatch of a node.
type RetryState struct {
	Attempt   uint      `json:"attempt"`
	Iteration *int      `json:"iteration,omitempty"`
	NotBefore time.Time `json:"not_before"`
}

// WorkflowInstance is one execution of a definition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion uint           `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	BusinessKey       *string        `json:"business_key,omitempty"`
	MutexKey          *string        `json:"mutex_key,omitempty"`
	Priority          int            `json:"priority"`
	CurrentNodeID     *string        `json:"current_node_id,omitempty"`

	CompletedNodes []string `json:"completed_nodes"`
	FailedNodes    []string `json:"failed_nodes"`
	SkippedNodes   []string `json:"skipped_nodes"`
	ExecutionPath  []string `json:"execution_path"`

	Input          map[string]any            `json:"input,omitempty"`
	Outputs        map[string]map[string]any `json:"outputs,omitempty"`
	NodeErrors     map[string]string         `json:"node_errors,omitempty"`
	PendingRetries map[string]RetryState     `json:"pending_retries,omitempty"`
	ErrorKind      string                    `json:"error_kind,omitempty"`
	ErrorMessage   string                    `json:"error_message,omitempty"`

	ParentInstanceID *string `json:"parent_instance_id,omitempty"`
	ParentNodeID     *string `json:"parent_node_id,omitempty"`
	ParentAttempt    uint    `json:"parent_attempt,omitempty"`

	StartRequested bool       `json:"start_requested"`
	OwnerID        string     `json:"owner_id,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	Revision       int64      `json:"revision"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsCompleted reports whether node is in CompletedNodes.
func (i *WorkflowInstance) IsCompleted(node string) bool {
	return slices.Contains(i.CompletedNodes, node)
}

// IsFailed reports whether node is in FailedNodes.
func (i *WorkflowInstance) IsFailed(node string) bool {
	return slices.Contains(i.FailedNodes, node)
}

// IsSkipped reports whether node is in SkippedNodes.
func (i *WorkflowInstance) IsSkipped(node string) bool {
	return slices.Contains(i.SkippedNodes, node)
}

// IsSatisfied reports whether dependents of node may run.
func (i *WorkflowInstance) IsSatisfied(node string) bool {
	return i.IsCompleted(node) || i.IsSkipped(node)
}

// IsSettled reports whether node reached a terminal outcome.
func (i *WorkflowInstance) IsSettled(node string) bool {
	return i.IsSatisfied(node) || i.IsFailed(node)
}

// Clone returns a deep copy suitable for speculative mutation.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	c := *i

	c.CompletedNodes = slices.Clone(i.CompletedNodes)
	c.FailedNodes = slices.Clone(i.FailedNodes)
	c.SkippedNodes = slices.Clone(i.SkippedNodes)
	c.ExecutionPath = slices.Clone(i.ExecutionPath)

	if i.Outputs != nil {
		c.Outputs = make(map[string]map[string]any, len(i.Outputs))
		for k, v := range i.Outputs {
			c.Outputs[k] = v
		}
	}

	if i.NodeErrors != nil {
		c.NodeErrors = make(map[string]string, len(i.NodeErrors))
		for k, v := range i.NodeErrors {
			c.NodeErrors[k] = v
		}
	}

	if i.PendingRetries != nil {
		c.PendingRetries = make(map[string]RetryState, len(i.PendingRetries))
		for k, v := range i.PendingRetries {
			c.PendingRetries[k] = v
		}
	}

	return &c
}
