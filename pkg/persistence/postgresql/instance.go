package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/lib/pq"
)

const instanceColumns = `
	id
  , definition_id
  , definition_name
  , definition_version
  , status
  , business_key
  , mutex_key
  , priority
  , current_node_id
  , completed_nodes
  , failed_nodes
  , skipped_nodes
  , execution_path
  , input
  , outputs
  , node_errors
  , pending_retries
  , error_kind
  , error_message
  , parent_instance_id
  , parent_node_id
  , parent_attempt
  , start_requested
  , owner_id
  , heartbeat_at
  , revision
  , created_at
  , started_at
  , completed_at`

// InstanceRepository handles instance reads.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *InstanceRepository) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("Get", id, persistence.ErrInstanceNotFound)
	}

	return inst, err
}

func (r *InstanceRepository) GetByBusinessKey(ctx context.Context, key string) (*models.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE business_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, key)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("GetByBusinessKey", key, persistence.ErrInstanceNotFound)
	}

	return inst, err
}

func (r *InstanceRepository) List(ctx context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	statuses := make([]string, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		statuses = append(statuses, string(s))
	}

	where := ` WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		AND ($2 = '' OR definition_name = $2)
		AND ($3 = '' OR mutex_key = $3)`
	args := []any{pq.Array(statuses), opts.DefinitionName, opts.MutexKey}

	var total int64

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances`+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}

	limit := sql.NullInt64{Int64: int64(opts.Limit), Valid: opts.Limit > 0}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`, append(args, limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	instances, err := r.collect(ctx, rows)
	if err != nil {
		return nil, err
	}

	return &persistence.InstanceListResult{
		Instances:   instances,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(instances)) < total,
	}, nil
}

func (r *InstanceRepository) Children(ctx context.Context, parentInstanceID, parentNodeID string) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE parent_instance_id = $1 AND parent_node_id = $2
		ORDER BY created_at ASC, id ASC`, parentInstanceID, parentNodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child instances: %w", err)
	}

	return r.collect(ctx, rows)
}

func (r *InstanceRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.WorkflowInstance, error) {
	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}

		instances = append(instances, inst)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func scanInstance(row scanner) (*models.WorkflowInstance, error) {
	var (
		inst                                       models.WorkflowInstance
		completed, failed, skipped, path           []byte
		input, outputs, nodeErrors, pendingRetries []byte
	)

	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.DefinitionName, &inst.DefinitionVersion, &inst.Status,
		&inst.BusinessKey, &inst.MutexKey, &inst.Priority, &inst.CurrentNodeID,
		&completed, &failed, &skipped, &path,
		&input, &outputs, &nodeErrors, &pendingRetries,
		&inst.ErrorKind, &inst.ErrorMessage,
		&inst.ParentInstanceID, &inst.ParentNodeID, &inst.ParentAttempt,
		&inst.StartRequested, &inst.OwnerID, &inst.HeartbeatAt, &inst.Revision,
		&inst.CreatedAt, &inst.StartedAt, &inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = errors.Join(
		fromJSON(completed, &inst.CompletedNodes),
		fromJSON(failed, &inst.FailedNodes),
		fromJSON(skipped, &inst.SkippedNodes),
		fromJSON(path, &inst.ExecutionPath),
		fromJSON(input, &inst.Input),
		fromJSON(outputs, &inst.Outputs),
		fromJSON(nodeErrors, &inst.NodeErrors),
		fromJSON(pendingRetries, &inst.PendingRetries),
	)
	if err != nil {
		return nil, err
	}

	return &inst, nil
}

// instanceArgs returns the column values of inst in instanceColumns order,
// with the revision replaced by next.
func instanceArgs(inst *models.WorkflowInstance, next int64) ([]any, error) {
	jsonColumns := []any{
		nonNil(inst.CompletedNodes), nonNil(inst.FailedNodes), nonNil(inst.SkippedNodes), nonNil(inst.ExecutionPath),
		inst.Input, inst.Outputs, inst.NodeErrors, inst.PendingRetries,
	}

	encoded := make([]any, len(jsonColumns))

	for i, v := range jsonColumns {
		data, err := toJSON(v)
		if err != nil {
			return nil, err
		}

		encoded[i] = data
	}

	return []any{
		inst.ID, inst.DefinitionID, inst.DefinitionName, inst.DefinitionVersion, inst.Status,
		inst.BusinessKey, inst.MutexKey, inst.Priority, inst.CurrentNodeID,
		encoded[0], encoded[1], encoded[2], encoded[3],
		encoded[4], encoded[5], encoded[6], encoded[7],
		inst.ErrorKind, inst.ErrorMessage,
		inst.ParentInstanceID, inst.ParentNodeID, inst.ParentAttempt,
		inst.StartRequested, inst.OwnerID, inst.HeartbeatAt, next,
		inst.CreatedAt, inst.StartedAt, inst.CompletedAt,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
