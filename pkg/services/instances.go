package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
)

// Instances creates, controls and inspects workflow instances.
type Instances struct {
	persistence persistence.Persistence
	controller  Controller
	clock       clockwork.Clock
	engineID    string
	validate    *validator.Validate
}

// NewInstances creates a new instance service. engineID tags the log entry
// written when an instance is created.
func NewInstances(persistence persistence.Persistence, controller Controller, clock clockwork.Clock, engineID string) *Instances {
	return &Instances{
		persistence: persistence,
		controller:  controller,
		clock:       clock,
		engineID:    engineID,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateInstanceRequest describes a new instance. Start asks the engine to
// run it right away.
type CreateInstanceRequest struct {
	engine.CreateRequest

	Start bool `json:"start"`
}

// Create persists a pending instance and optionally starts it.
func (s *Instances) Create(ctx context.Context, req CreateInstanceRequest) (*models.WorkflowInstance, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewValidationError("Create", "INVALID_INSTANCE", err.Error(), ErrInvalidRequest)
	}

	inst, err := engine.CreateInstance(ctx, s.persistence, s.clock, s.engineID, req.CreateRequest)
	if err != nil {
		if persistence.IsDefinitionNotFound(err) {
			return nil, err
		}

		return nil, translate("Create", err)
	}

	if !req.Start {
		return inst, nil
	}

	if err := s.controller.Start(ctx, inst.ID); err != nil {
		return nil, err
	}

	return s.Get(ctx, inst.ID)
}

func (s *Instances) Start(ctx context.Context, instanceID string) error {
	return s.controller.Start(ctx, instanceID)
}

func (s *Instances) Pause(ctx context.Context, instanceID string) error {
	return s.controller.Pause(ctx, instanceID)
}

func (s *Instances) Resume(ctx context.Context, instanceID string) error {
	return s.controller.Resume(ctx, instanceID)
}

func (s *Instances) Cancel(ctx context.Context, instanceID, reason string) error {
	return s.controller.Cancel(ctx, instanceID, reason)
}

// Recover triggers a recovery sweep.
func (s *Instances) Recover(ctx context.Context) (*engine.RecoveryReport, error) {
	return s.controller.Recover(ctx)
}

func (s *Instances) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return s.persistence.InstanceRepository().Get(ctx, instanceID)
}

// GetByBusinessKey returns the newest instance carrying key.
func (s *Instances) GetByBusinessKey(ctx context.Context, key string) (*models.WorkflowInstance, error) {
	return s.persistence.InstanceRepository().GetByBusinessKey(ctx, key)
}

// ListInstancesRequest contains options for listing instances.
type ListInstancesRequest struct {
	Statuses       []models.InstanceStatus
	DefinitionName string
	Limit          int
	Offset         int
}

// List returns a page of instances, newest first.
func (s *Instances) List(ctx context.Context, req ListInstancesRequest) (*persistence.InstanceListResult, error) {
	req.Limit, req.Offset = pagination(req.Limit, req.Offset)

	for _, status := range req.Statuses {
		if !status.IsValid() {
			return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", status), ErrInvalidStatus)
		}
	}

	result, err := s.persistence.InstanceRepository().List(ctx, persistence.ListInstancesOptions{
		Statuses:       slices.Compact(slices.Sorted(slices.Values(req.Statuses))),
		DefinitionName: req.DefinitionName,
		Limit:          req.Limit,
		Offset:         req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return result, nil
}

// Executions returns every node attempt of an instance.
func (s *Instances) Executions(ctx context.Context, instanceID string) ([]*models.NodeExecution, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	return s.persistence.NodeExecutionRepository().ListByInstance(ctx, instanceID)
}

// Loops returns the loop progress of an instance.
func (s *Instances) Loops(ctx context.Context, instanceID string) ([]*models.LoopExecution, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	return s.persistence.LoopExecutionRepository().ListByInstance(ctx, instanceID)
}

// LogsRequest filters the execution log of one instance.
type LogsRequest struct {
	InstanceID string
	NodeID     string
	Level      models.LogLevel
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Logs queries the execution log, oldest entry first.
func (s *Instances) Logs(ctx context.Context, req LogsRequest) ([]*models.ExecutionLogEntry, error) {
	if _, err := s.Get(ctx, req.InstanceID); err != nil {
		return nil, err
	}

	query := persistence.LogQuery{
		InstanceID: req.InstanceID,
		From:       req.From,
		To:         req.To,
	}
	query.Limit, query.Offset = req.Limit, max(req.Offset, 0)

	if req.NodeID != "" {
		query.NodeID = &req.NodeID
	}

	if req.Level != "" {
		if !req.Level.IsValid() {
			return nil, NewValidationError("Logs", "INVALID_LEVEL", fmt.Sprintf("invalid log level '%s'", req.Level), ErrInvalidRequest)
		}

		query.Level = &req.Level
	}

	if query.From != nil && query.To != nil && query.To.Before(*query.From) {
		return nil, NewValidationError("Logs", "INVALID_RANGE", "to must not be before from", ErrInvalidRequest)
	}

	return s.persistence.ExecutionLogRepository().Query(ctx, query)
}
