package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// CreateRequest describes a new instance. A zero DefinitionVersion selects the
// latest active version.
type CreateRequest struct {
	DefinitionName    string         `json:"definition_name"    validate:"required"`
	DefinitionVersion uint           `json:"definition_version"`
	Input             map[string]any `json:"input,omitempty"`
	BusinessKey       string         `json:"business_key,omitempty" validate:"max=255"`
	MutexKey          string         `json:"mutex_key,omitempty"    validate:"max=255"`
	Priority          int            `json:"priority"`
}

// CreateInstance persists a pending instance of an executable definition. It
// does not start it.
func CreateInstance(ctx context.Context, store persistence.Persistence, clock clockwork.Clock, engineID string, req CreateRequest) (*models.WorkflowInstance, error) {
	def, err := resolveDefinition(ctx, store.DefinitionRepository(), req.DefinitionName, req.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	inst := newInstance(def, clock.Now().UTC())
	inst.Input = req.Input
	inst.Priority = req.Priority

	if req.BusinessKey != "" {
		inst.BusinessKey = &req.BusinessKey
	}

	if req.MutexKey != "" {
		inst.MutexKey = &req.MutexKey
	}

	j := journal{engineID: engineID, clock: clock}

	err = store.Commit(ctx, &persistence.Changeset{
		Instances: []*models.WorkflowInstance{inst},
		Logs: []*models.ExecutionLogEntry{
			j.entry(inst.ID, "", 0, models.LogLevelInfo, "instance created from %s@%d", def.Name, def.Version),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	return inst, nil
}

func resolveDefinition(ctx context.Context, repo persistence.DefinitionRepository, name string, version uint) (*models.WorkflowDefinition, error) {
	var (
		def *models.WorkflowDefinition
		err error
	)

	if version == 0 {
		def, err = repo.LatestActive(ctx, name)
	} else {
		def, err = repo.Get(ctx, name, version)
	}

	if err != nil {
		return nil, err
	}

	if !def.IsExecutable() {
		return nil, fmt.Errorf("%w: %s@%d is %s", ErrDefinitionNotExecutable, def.Name, def.Version, def.Status)
	}

	return def, nil
}

func newInstance(def *models.WorkflowDefinition, now time.Time) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:                uuid.Must(uuid.NewV7()).String(),
		DefinitionID:      def.ID,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            models.InstanceStatusPending,
		CompletedNodes:    []string{},
		FailedNodes:       []string{},
		SkippedNodes:      []string{},
		ExecutionPath:     []string{},
		CreatedAt:         now,
	}
}
