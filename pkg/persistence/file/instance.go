package file

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// InstanceRepository reads instance documents.
type InstanceRepository struct {
	store *Persistence
}

func (r *InstanceRepository) Get(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var inst models.WorkflowInstance

	err := readJSON(r.store.path(instancesDir, id+".json"), &inst)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewInstanceError("Get", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &inst, nil
}

func (r *InstanceRepository) GetByBusinessKey(_ context.Context, key string) (*models.WorkflowInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	for _, inst := range all {
		if inst.BusinessKey != nil && *inst.BusinessKey == key {
			return inst, nil
		}
	}

	return nil, persistence.NewInstanceError("GetByBusinessKey", key, persistence.ErrInstanceNotFound)
}

func (r *InstanceRepository) List(_ context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0, len(all))

	for _, inst := range all {
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, inst.Status) {
			continue
		}

		if opts.DefinitionName != "" && inst.DefinitionName != opts.DefinitionName {
			continue
		}

		if opts.MutexKey != "" && (inst.MutexKey == nil || *inst.MutexKey != opts.MutexKey) {
			continue
		}

		filtered = append(filtered, inst)
	}

	start, end, hasNext := persistence.Page(len(filtered), opts.Offset, opts.Limit)

	return &persistence.InstanceListResult{
		Instances:   filtered[start:end],
		TotalCount:  int64(len(filtered)),
		HasNextPage: hasNext,
	}, nil
}

func (r *InstanceRepository) Children(_ context.Context, parentInstanceID, parentNodeID string) ([]*models.WorkflowInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	var children []*models.WorkflowInstance

	for _, inst := range all {
		if inst.ParentInstanceID != nil && *inst.ParentInstanceID == parentInstanceID &&
			inst.ParentNodeID != nil && *inst.ParentNodeID == parentNodeID {
			children = append(children, inst)
		}
	}

	slices.Reverse(children)

	return children, nil
}

// all returns every instance, newest first.
func (r *InstanceRepository) all() ([]*models.WorkflowInstance, error) {
	all, err := readAll[models.WorkflowInstance](r.store.path(instancesDir))
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(all, func(a, b *models.WorkflowInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}

		return 0
	})

	return all, nil
}
