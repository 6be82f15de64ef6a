// Package persistence provides the storage abstraction for definitions,
// instances, node executions, loop executions and the execution log.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

// Persistence is the transactional store used by the services and the engine.
type Persistence interface {
	DefinitionRepository() DefinitionRepository
	InstanceRepository() InstanceRepository
	NodeExecutionRepository() NodeExecutionRepository
	LoopExecutionRepository() LoopExecutionRepository
	ExecutionLogRepository() ExecutionLogRepository

	// Commit applies a changeset atomically. Instances are written with an
	// optimistic revision check and their Revision is incremented on success.
	Commit(ctx context.Context, changes *Changeset) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Changeset groups every write produced by one state machine step.
type Changeset struct {
	Instances  []*models.WorkflowInstance
	Executions []*models.NodeExecution
	Loops      []*models.LoopExecution
	Logs       []*models.ExecutionLogEntry
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	return len(c.Instances) == 0 && len(c.Executions) == 0 && len(c.Loops) == 0 && len(c.Logs) == 0
}

// DefinitionRepository stores workflow definitions keyed by (name, version).
type DefinitionRepository interface {
	Create(ctx context.Context, def *models.WorkflowDefinition) error
	Update(ctx context.Context, def *models.WorkflowDefinition) error
	Delete(ctx context.Context, name string, version uint) error
	Get(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// LatestVersion returns the highest version of name, or 0 when none exists.
	LatestVersion(ctx context.Context, name string) (uint, error)
	// LatestActive returns the highest active version of name.
	LatestActive(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	List(ctx context.Context, opts ListDefinitionsOptions) (*DefinitionListResult, error)
}

// ListDefinitionsOptions filters and paginates definitions. A zero Limit
// returns every match.
type ListDefinitionsOptions struct {
	Name   string
	Status *models.DefinitionStatus
	Limit  int
	Offset int
}

// DefinitionListResult is a page of definitions.
type DefinitionListResult struct {
	Definitions []*models.WorkflowDefinition `json:"definitions"`
	TotalCount  int64                        `json:"total_count"`
	HasNextPage bool                         `json:"has_next_page"`
}

// InstanceRepository reads workflow instances. Writes go through Commit.
type InstanceRepository interface {
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// GetByBusinessKey returns the most recently created instance with key.
	GetByBusinessKey(ctx context.Context, key string) (*models.WorkflowInstance, error)
	List(ctx context.Context, opts ListInstancesOptions) (*InstanceListResult, error)
	// Children returns the instances created by a subprocess node, oldest first.
	Children(ctx context.Context, parentInstanceID, parentNodeID string) ([]*models.WorkflowInstance, error)
}

// ListInstancesOptions filters and paginates instances, newest first. A zero
// Limit returns every match.
type ListInstancesOptions struct {
	Statuses       []models.InstanceStatus
	DefinitionName string
	MutexKey       string
	Limit          int
	Offset         int
}

// InstanceListResult is a page of instances.
type InstanceListResult struct {
	Instances   []*models.WorkflowInstance `json:"instances"`
	TotalCount  int64                      `json:"total_count"`
	HasNextPage bool                       `json:"has_next_page"`
}

// NodeExecutionRepository reads node attempts.
type NodeExecutionRepository interface {
	Get(ctx context.Context, id string) (*models.NodeExecution, error)
	// ListByInstance returns the executions of an instance ordered by node and attempt.
	ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecution, error)
	ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecution, error)
	ListByStatus(ctx context.Context, status models.NodeExecutionStatus) ([]*models.NodeExecution, error)
}

// LoopExecutionRepository reads loop progress.
type LoopExecutionRepository interface {
	Get(ctx context.Context, instanceID, nodeID string) (*models.LoopExecution, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*models.LoopExecution, error)
}

// ExecutionLogRepository queries the append-only execution log.
type ExecutionLogRepository interface {
	Query(ctx context.Context, query LogQuery) ([]*models.ExecutionLogEntry, error)
}

// LogQuery selects execution log entries of one instance, oldest first.
type LogQuery struct {
	InstanceID string
	NodeID     *string
	Level      *models.LogLevel
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Matches reports whether entry satisfies every filter of q except pagination.
func (q LogQuery) Matches(entry *models.ExecutionLogEntry) bool {
	if entry.InstanceID != q.InstanceID {
		return false
	}

	if q.NodeID != nil && (entry.NodeID == nil || *entry.NodeID != *q.NodeID) {
		return false
	}

	if q.Level != nil && entry.Level != *q.Level {
		return false
	}

	if q.From != nil && entry.Timestamp.Before(*q.From) {
		return false
	}

	if q.To != nil && entry.Timestamp.After(*q.To) {
		return false
	}

	return true
}

// Page applies offset and limit to a slice of n items and returns the bounds
// plus whether more items follow.
func Page(n, offset, limit int) (start, end int, hasNext bool) {
	if offset < 0 {
		offset = 0
	}

	if offset > n {
		offset = n
	}

	end = n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}

	return offset, end, end < n
}
