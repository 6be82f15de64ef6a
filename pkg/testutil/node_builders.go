// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a task node running executorRef with default values
// that can be overridden.
func CreateTestNode(id, executorRef string, overrides ...func(*models.TaskNode)) *models.TaskNode {
	node := &models.TaskNode{
		NodeID:      id,
		Name:        id,
		NodeType:    models.NodeTypeTask,
		ExecutorRef: executorRef,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithDependsOn sets the node dependencies.
func WithDependsOn(ids ...string) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.DependsOn = ids
	}
}

// WithInput sets the node input data.
func WithInput(input map[string]any) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.InputData = input
	}
}

// WithRetries sets the retry budget.
func WithRetries(maxRetries uint) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.MaxRetries = maxRetries
	}
}

// WithTimeout sets the attempt timeout.
func WithTimeout(seconds uint) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.TimeoutSeconds = &seconds
	}
}

// WithCondition sets the run condition.
func WithCondition(condition string) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.Condition = &condition
	}
}

// WithErrorPolicy sets the node error policy.
func WithErrorPolicy(policy models.ErrorPolicy) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.ErrorPolicy = policy
	}
}

// WithParent places the node inside a parallel node.
func WithParent(parentID string) func(*models.TaskNode) {
	return func(n *models.TaskNode) {
		n.ParentID = parentID
	}
}

// CreateTestDefinition creates an active definition holding nodes.
func CreateTestDefinition(name string, version uint, nodes ...*models.TaskNode) *models.WorkflowDefinition {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	return &models.WorkflowDefinition{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		Version:     version,
		Description: "A definition for testing",
		Status:      models.DefinitionStatusActive,
		Enabled:     true,
		Nodes:       nodes,
		CreatedAt:   now,
		UpdatedAt:   now,
		PublishedAt: &now,
	}
}
