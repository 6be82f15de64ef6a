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

// DefinitionRepository stores one JSON document per definition row.
type DefinitionRepository struct {
	store *Persistence
}

func (r *DefinitionRepository) Create(_ context.Context, def *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	all, err := r.all()
	if err != nil {
		return err
	}

	for _, existing := range all {
		if existing.ID == def.ID || (existing.Name == def.Name && existing.Version == def.Version) {
			return persistence.NewDefinitionError("Create", def.Name, def.Version, persistence.ErrDefinitionAlreadyExists)
		}
	}

	return writeJSON(r.store.path(definitionsDir, def.ID+".json"), def)
}

func (r *DefinitionRepository) Update(_ context.Context, def *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	filePath := r.store.path(definitionsDir, def.ID+".json")

	_, err := os.Stat(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return persistence.NewDefinitionError("Update", def.Name, def.Version, persistence.ErrDefinitionNotFound)
	}

	return writeJSON(filePath, def)
}

func (r *DefinitionRepository) Delete(ctx context.Context, name string, version uint) error {
	def, err := r.Get(ctx, name, version)
	if err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return os.Remove(r.store.path(definitionsDir, def.ID+".json"))
}

func (r *DefinitionRepository) Get(_ context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	for _, def := range all {
		if def.Name == name && def.Version == version {
			return def, nil
		}
	}

	return nil, persistence.NewDefinitionError("Get", name, version, persistence.ErrDefinitionNotFound)
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var def models.WorkflowDefinition

	err := readJSON(r.store.path(definitionsDir, id+".json"), &def)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewDefinitionError("GetByID", id, 0, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &def, nil
}

func (r *DefinitionRepository) LatestVersion(_ context.Context, name string) (uint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return 0, err
	}

	var latest uint

	for _, def := range all {
		if def.Name == name && def.Version > latest {
			latest = def.Version
		}
	}

	return latest, nil
}

func (r *DefinitionRepository) LatestActive(_ context.Context, name string) (*models.WorkflowDefinition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	var latest *models.WorkflowDefinition

	for _, def := range all {
		if def.Name == name && def.Status == models.DefinitionStatusActive && (latest == nil || def.Version > latest.Version) {
			latest = def
		}
	}

	if latest == nil {
		return nil, persistence.NewDefinitionError("LatestActive", name, 0, persistence.ErrDefinitionNotFound)
	}

	return latest, nil
}

// List returns definitions ordered by name and then version descending.
func (r *DefinitionRepository) List(_ context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowDefinition, 0, len(all))

	for _, def := range all {
		if opts.Name != "" && def.Name != opts.Name {
			continue
		}

		if opts.Status != nil && def.Status != *opts.Status {
			continue
		}

		filtered = append(filtered, def)
	}

	slices.SortFunc(filtered, func(a, b *models.WorkflowDefinition) int {
		if a.Name != b.Name {
			return cmp.Compare(a.Name, b.Name)
		}

		return cmp.Compare(b.Version, a.Version)
	})

	start, end, hasNext := persistence.Page(len(filtered), opts.Offset, opts.Limit)

	return &persistence.DefinitionListResult{
		Definitions: filtered[start:end],
		TotalCount:  int64(len(filtered)),
		HasNextPage: hasNext,
	}, nil
}

func (r *DefinitionRepository) all() ([]*models.WorkflowDefinition, error) {
	return readAll[models.WorkflowDefinition](r.store.path(definitionsDir))
}
