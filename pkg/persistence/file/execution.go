package file

import (
	"cmp"
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// NodeExecutionRepository reads executions stored per instance directory.
type NodeExecutionRepository struct {
	store *Persistence
}

func (r *NodeExecutionRepository) Get(_ context.Context, id string) (*models.NodeExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	dirs, err := os.ReadDir(r.store.path(executionsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	for _, dir := range dirs {
		var exec models.NodeExecution

		err := readJSON(r.store.path(executionsDir, dir.Name(), id+".json"), &exec)
		if err == nil {
			return &exec, nil
		}

		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	return nil, persistence.ErrNodeExecutionNotFound
}

func (r *NodeExecutionRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.NodeExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.byInstance(instanceID)
}

func (r *NodeExecutionRepository) ListByNode(_ context.Context, instanceID, nodeID string) ([]*models.NodeExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.byInstance(instanceID)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(all, func(e *models.NodeExecution) bool { return e.NodeID != nodeID }), nil
}

func (r *NodeExecutionRepository) ListByStatus(_ context.Context, status models.NodeExecutionStatus) ([]*models.NodeExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	dirs, err := os.ReadDir(r.store.path(executionsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var out []*models.NodeExecution

	for _, dir := range dirs {
		all, err := r.byInstance(dir.Name())
		if err != nil {
			return nil, err
		}

		for _, exec := range all {
			if exec.Status == status {
				out = append(out, exec)
			}
		}
	}

	return out, nil
}

func (r *NodeExecutionRepository) byInstance(instanceID string) ([]*models.NodeExecution, error) {
	all, err := readAll[models.NodeExecution](r.store.path(executionsDir, instanceID))
	if err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b *models.NodeExecution) int {
		if a.NodeID != b.NodeID {
			return cmp.Compare(a.NodeID, b.NodeID)
		}

		return cmp.Compare(a.Attempt, b.Attempt)
	})

	return all, nil
}

// LoopExecutionRepository reads loop progress documents.
type LoopExecutionRepository struct {
	store *Persistence
}

func (r *LoopExecutionRepository) Get(_ context.Context, instanceID, nodeID string) (*models.LoopExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var loop models.LoopExecution

	err := readJSON(r.store.path(loopsDir, instanceID, escape(nodeID)+".json"), &loop)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.ErrLoopExecutionNotFound
	}

	if err != nil {
		return nil, err
	}

	return &loop, nil
}

func (r *LoopExecutionRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.LoopExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := readAll[models.LoopExecution](r.store.path(loopsDir, instanceID))
	if err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b *models.LoopExecution) int { return cmp.Compare(a.NodeID, b.NodeID) })

	return all, nil
}
