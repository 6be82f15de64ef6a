package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/taskflow/pkg/dag"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// versionAttempts bounds retries when two drafts of the same name race for a
// version number.
const versionAttempts = 3

// InputValidator checks node input against the schema of its executor.
type InputValidator interface {
	ValidateInput(ref string, input map[string]any) error
}

// Definitions is the definition store. Only drafts are mutable; publishing
// validates a draft and freezes it as active.
type Definitions struct {
	persistence persistence.Persistence
	inputs      InputValidator
	clock       clockwork.Clock
	validate    *validator.Validate
}

// NewDefinitions creates a new definition service. inputs may be nil, in
// which case node input is not checked at publish.
func NewDefinitions(persistence persistence.Persistence, inputs InputValidator, clock clockwork.Clock) *Definitions {
	return &Definitions{
		persistence: persistence,
		inputs:      inputs,
		clock:       clock,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// DefinitionRequest carries the mutable part of a definition.
type DefinitionRequest struct {
	Name        string                  `json:"name"        validate:"required,min=3,max=255"`
	Description string                  `json:"description"`
	Enabled     *bool                   `json:"enabled,omitempty"`
	Nodes       []*models.TaskNode      `json:"nodes"       validate:"dive"`
	Edges       []models.Edge           `json:"edges"       validate:"dive"`
	Config      models.DefinitionConfig `json:"config"`
}

func (r DefinitionRequest) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CreateDraft stores a new draft under the next version of req.Name.
func (d *Definitions) CreateDraft(ctx context.Context, req DefinitionRequest) (*models.WorkflowDefinition, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, NewValidationError("CreateDraft", "INVALID_DEFINITION", err.Error(), ErrInvalidRequest)
	}

	return d.insertDraft(ctx, &models.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.enabled(),
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Config:      req.Config,
	})
}

// CreateDraftFromVersion copies name@version into a new draft.
func (d *Definitions) CreateDraftFromVersion(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	source, err := d.Get(ctx, name, version)
	if err != nil {
		return nil, err
	}

	return d.insertDraft(ctx, &models.WorkflowDefinition{
		Name:        source.Name,
		Description: source.Description,
		Enabled:     source.Enabled,
		Nodes:       source.Nodes,
		Edges:       source.Edges,
		Config:      source.Config,
	})
}

func (d *Definitions) insertDraft(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	repo := d.persistence.DefinitionRepository()

	for attempt := 1; ; attempt++ {
		latest, err := repo.LatestVersion(ctx, def.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest version of %s: %w", def.Name, err)
		}

		now := d.clock.Now().UTC()
		def.ID = uuid.Must(uuid.NewV7()).String()
		def.Version = latest + 1
		def.Status = models.DefinitionStatusDraft
		def.CreatedAt = now
		def.UpdatedAt = now
		def.PublishedAt = nil

		err = repo.Create(ctx, def)
		if err == nil {
			return def, nil
		}

		if !errors.Is(err, persistence.ErrDefinitionAlreadyExists) || attempt == versionAttempts {
			return nil, fmt.Errorf("failed to create definition: %w", err)
		}
	}
}

// Get returns name@version. A zero version selects the highest version.
func (d *Definitions) Get(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	repo := d.persistence.DefinitionRepository()

	if version == 0 {
		latest, err := repo.LatestVersion(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest version of %s: %w", name, err)
		}

		if latest == 0 {
			return nil, persistence.NewDefinitionError("Get", name, 0, persistence.ErrDefinitionNotFound)
		}

		version = latest
	}

	return repo.Get(ctx, name, version)
}

// ListDefinitionsRequest contains options for listing definitions.
type ListDefinitionsRequest struct {
	Name   string
	Status *models.DefinitionStatus
	Limit  int
	Offset int
}

// List returns a page of definitions ordered by name, newest version first.
func (d *Definitions) List(ctx context.Context, req ListDefinitionsRequest) (*persistence.DefinitionListResult, error) {
	req.Limit, req.Offset = pagination(req.Limit, req.Offset)

	if req.Status != nil && !slices.Contains(definitionStatuses, *req.Status) {
		return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	result, err := d.persistence.DefinitionRepository().List(ctx, persistence.ListDefinitionsOptions{
		Name:   req.Name,
		Status: req.Status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	return result, nil
}

var definitionStatuses = []models.DefinitionStatus{
	models.DefinitionStatusDraft,
	models.DefinitionStatusActive,
	models.DefinitionStatusDeprecated,
	models.DefinitionStatusArchived,
}

// UpdateDraft replaces the content of a draft. The name cannot change.
func (d *Definitions) UpdateDraft(ctx context.Context, name string, version uint, req DefinitionRequest) (*models.WorkflowDefinition, error) {
	req.Name = name

	if err := d.validate.Struct(req); err != nil {
		return nil, NewValidationError("UpdateDraft", "INVALID_DEFINITION", err.Error(), ErrInvalidRequest)
	}

	def, err := d.draft(ctx, "UpdateDraft", name, version)
	if err != nil {
		return nil, err
	}

	def.Description = req.Description
	def.Nodes = req.Nodes
	def.Edges = req.Edges
	def.Config = req.Config
	def.UpdatedAt = d.clock.Now().UTC()

	if req.Enabled != nil {
		def.Enabled = *req.Enabled
	}

	if err := d.persistence.DefinitionRepository().Update(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to update definition: %w", err)
	}

	return def, nil
}

// DeleteDraft removes a draft.
func (d *Definitions) DeleteDraft(ctx context.Context, name string, version uint) error {
	if _, err := d.draft(ctx, "DeleteDraft", name, version); err != nil {
		return err
	}

	if err := d.persistence.DefinitionRepository().Delete(ctx, name, version); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	return nil
}

// Publish validates a draft and makes it active.
func (d *Definitions) Publish(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	def, err := d.draft(ctx, "Publish", name, version)
	if err != nil {
		return nil, err
	}

	if err := dag.Validate(def); err != nil {
		return nil, err
	}

	if err := d.validateInputs(def); err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	def.Status = models.DefinitionStatusActive
	def.PublishedAt = &now
	def.UpdatedAt = now

	if err := d.persistence.DefinitionRepository().Update(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to publish definition: %w", err)
	}

	return def, nil
}

// Deprecate stops new instances of an active definition. Running instances
// continue.
func (d *Definitions) Deprecate(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	return d.move(ctx, "Deprecate", name, version, models.DefinitionStatusDeprecated, models.DefinitionStatusActive)
}

// Archive retires an active or deprecated definition.
func (d *Definitions) Archive(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	return d.move(
		ctx, "Archive", name, version, models.DefinitionStatusArchived,
		models.DefinitionStatusActive, models.DefinitionStatusDeprecated,
	)
}

func (d *Definitions) move(
	ctx context.Context,
	op, name string,
	version uint,
	to models.DefinitionStatus,
	from ...models.DefinitionStatus,
) (*models.WorkflowDefinition, error) {
	def, err := d.persistence.DefinitionRepository().Get(ctx, name, version)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(from, def.Status) {
		return nil, &ServiceError{
			Op:      op,
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("cannot move definition %s@%d from %s to %s", name, version, def.Status, to),
			Err:     ErrInvalidTransition,
		}
	}

	def.Status = to
	def.UpdatedAt = d.clock.Now().UTC()

	if err := d.persistence.DefinitionRepository().Update(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to update definition status: %w", err)
	}

	return def, nil
}

func (d *Definitions) draft(ctx context.Context, op, name string, version uint) (*models.WorkflowDefinition, error) {
	def, err := d.persistence.DefinitionRepository().Get(ctx, name, version)
	if err != nil {
		return nil, err
	}

	if def.Status != models.DefinitionStatusDraft {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NOT_DRAFT",
			Message: fmt.Sprintf("definition %s@%d is %s", name, version, def.Status),
			Err:     ErrDefinitionNotDraft,
		}
	}

	return def, nil
}

func (d *Definitions) validateInputs(def *models.WorkflowDefinition) error {
	if d.inputs == nil {
		return nil
	}

	var problems []string

	for _, node := range def.Nodes {
		if node.ExecutorRef == "" {
			continue
		}

		if err := d.inputs.ValidateInput(node.ExecutorRef, node.InputData); err != nil {
			problems = append(problems, fmt.Sprintf("node %s: %v", node.NodeID, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}

	return NewValidationError("Publish", "INVALID_INPUT", strings.Join(problems, "; "), ErrInvalidInput)
}

// pagination applies the default and maximum page size.
func pagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}

	return min(limit, 100), max(offset, 0)
}
