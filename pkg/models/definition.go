// Package models defines the core domain models for DAG workflow orchestration.
package models

import (
	"slices"
	"time"
)

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"      // Editable, not executable
	DefinitionStatusActive     DefinitionStatus = "active"     // Published, immutable, executable
	DefinitionStatusDeprecated DefinitionStatus = "deprecated" // Immutable, running instances continue
	DefinitionStatusArchived   DefinitionStatus = "archived"   // Historical only
)

// NodeType is the closed set of node kinds the scheduler knows how to drive.
type NodeType string

const (
	NodeTypeSimple     NodeType = "simple"
	NodeTypeTask       NodeType = "task"
	NodeTypeLoop       NodeType = "loop"
	NodeTypeParallel   NodeType = "parallel"
	NodeTypeSubprocess NodeType = "subprocess"
)

// NodeTypes lists every NodeType. Keep in sync with the constants above.
var NodeTypes = []NodeType{NodeTypeSimple, NodeTypeTask, NodeTypeLoop, NodeTypeParallel, NodeTypeSubprocess}

// IsValid reports whether t is one of the known node types.
func (t NodeType) IsValid() bool {
	return slices.Contains(NodeTypes, t)
}

// ErrorPolicy decides what happens to a node once its retry budget is exhausted.
type ErrorPolicy string

const (
	ErrorPolicyFailFast ErrorPolicy = "fail-fast"
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicySkip     ErrorPolicy = "skip"
)

// ParallelFailurePolicy controls when a parallel node reports a branch failure.
type ParallelFailurePolicy string

const (
	ParallelFailFast   ParallelFailurePolicy = "fail-fast"
	ParallelWaitForAll ParallelFailurePolicy = "wait-for-all"
)

// WorkflowDefinition is a versioned workflow template. Identity is (Name, Version).
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                   validate:"required,min=3,max=255"`
	Version     uint             `json:"version"`
	Description string           `json:"description"`
	Status      DefinitionStatus `json:"status"                 validate:"required,oneof=draft active deprecated archived"`
	Enabled     bool             `json:"enabled"`
	Nodes       []*TaskNode      `json:"nodes"                  validate:"dive"`
	Edges       []Edge           `json:"edges,omitempty"        validate:"dive"`
	Config      DefinitionConfig `json:"config"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
}

// DefinitionConfig carries definition-wide defaults.
type DefinitionConfig struct {
	ParallelFailurePolicy ParallelFailurePolicy `json:"parallel_failure_policy,omitempty" validate:"omitempty,oneof=fail-fast wait-for-all"`
	ErrorPolicy           ErrorPolicy           `json:"error_policy,omitempty"            validate:"omitempty,oneof=fail-fast continue skip"`
	BaseDelayMs           int64                 `json:"base_delay_ms,omitempty"           validate:"min=0"`
	MaxDelayMs            int64                 `json:"max_delay_ms,omitempty"            validate:"min=0"`
}

// Edge is an explicit dependency: To depends on From.
type Edge struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to"   validate:"required"`
}

// TaskNode is a unit of work within a definition.
type TaskNode struct {
	NodeID         string         `json:"node_id"                   validate:"required"`
	Name           string         `json:"name,omitempty"`
	NodeType       NodeType       `json:"node_type"                 validate:"required"`
	ExecutorRef    string         `json:"executor_ref,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	MaxRetries     uint           `json:"max_retries"`
	TimeoutSeconds *uint          `json:"timeout_seconds,omitempty"`
	Condition      *string        `json:"condition,omitempty"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Priority       int            `json:"priority"`
	ErrorPolicy    ErrorPolicy    `json:"error_policy,omitempty"    validate:"omitempty,oneof=fail-fast continue skip"`

	Loop       *LoopSpec       `json:"loop,omitempty"`
	Parallel   *ParallelSpec   `json:"parallel,omitempty"`
	Subprocess *SubprocessSpec `json:"subprocess,omitempty"`
}

// LoopSpec describes the source of a loop node. Items is a static collection,
// ItemsFrom a dotted path into the instance context re-read before every
// iteration. While is evaluated before every iteration.
type LoopSpec struct {
	Items         []any   `json:"items,omitempty"`
	ItemsFrom     string  `json:"items_from,omitempty"`
	While         *string `json:"while,omitempty"`
	MaxIterations uint    `json:"max_iterations,omitempty"`
}

// ParallelSpec configures a parallel node. Its branches are the nodes whose
// ParentID is the parallel node.
type ParallelSpec struct {
	FailurePolicy ParallelFailurePolicy `json:"failure_policy,omitempty" validate:"omitempty,oneof=fail-fast wait-for-all"`
}

// SubprocessSpec points a subprocess node at another definition.
type SubprocessSpec struct {
	DefinitionName    string `json:"definition_name"    validate:"required"`
	DefinitionVersion uint   `json:"definition_version"`
	Reuse             bool   `json:"reuse"`
}

// Timeout returns the node deadline, zero meaning none.
func (n *TaskNode) Timeout() time.Duration {
	if n.TimeoutSeconds == nil || *n.TimeoutSeconds == 0 {
		return 0
	}

	return time.Duration(*n.TimeoutSeconds) * time.Second
}

// EffectiveErrorPolicy resolves the node policy against the definition default.
func (d *WorkflowDefinition) EffectiveErrorPolicy(n *TaskNode) ErrorPolicy {
	if n.ErrorPolicy != "" {
		return n.ErrorPolicy
	}

	if d.Config.ErrorPolicy != "" {
		return d.Config.ErrorPolicy
	}

	return ErrorPolicyFailFast
}

// EffectiveParallelPolicy resolves the parallel failure policy of n.
func (d *WorkflowDefinition) EffectiveParallelPolicy(n *TaskNode) ParallelFailurePolicy {
	if n.Parallel != nil && n.Parallel.FailurePolicy != "" {
		return n.Parallel.FailurePolicy
	}

	if d.Config.ParallelFailurePolicy != "" {
		return d.Config.ParallelFailurePolicy
	}

	return ParallelFailFast
}

// IsExecutable reports whether new instances may be created from the definition.
func (d *WorkflowDefinition) IsExecutable() bool {
	return d.Status == DefinitionStatusActive && d.Enabled
}
