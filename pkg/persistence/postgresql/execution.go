package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

const executionColumns = `
	id
  , instance_id
  , node_id
  , attempt
  , status
  , start_time
  , end_time
  , error_message
  , error_kind
  , input_data
  , output_data
  , lease_owner
  , heartbeat_at
  , child_instance_id`

// NodeExecutionRepository handles node execution reads.
type NodeExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *NodeExecutionRepository) Get(ctx context.Context, id string) (*models.NodeExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM node_executions WHERE id = $1`, id)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNodeExecutionNotFound
	}

	return exec, err
}

func (r *NodeExecutionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecution, error) {
	return r.query(ctx, `SELECT `+executionColumns+` FROM node_executions
		WHERE instance_id = $1 ORDER BY node_id, attempt`, instanceID)
}

func (r *NodeExecutionRepository) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecution, error) {
	return r.query(ctx, `SELECT `+executionColumns+` FROM node_executions
		WHERE instance_id = $1 AND node_id = $2 ORDER BY attempt`, instanceID, nodeID)
}

func (r *NodeExecutionRepository) ListByStatus(ctx context.Context, status models.NodeExecutionStatus) ([]*models.NodeExecution, error) {
	return r.query(ctx, `SELECT `+executionColumns+` FROM node_executions
		WHERE status = $1 ORDER BY instance_id, node_id, attempt`, status)
}

func (r *NodeExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.NodeExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query node executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.NodeExecution, 0)

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, exec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.NodeExecution, error) {
	var (
		exec          models.NodeExecution
		input, output []byte
	)

	err := row.Scan(
		&exec.ID, &exec.InstanceID, &exec.NodeID, &exec.Attempt, &exec.Status,
		&exec.StartTime, &exec.EndTime, &exec.ErrorMessage, &exec.ErrorKind,
		&input, &output, &exec.LeaseOwner, &exec.HeartbeatAt, &exec.ChildInstanceID,
	)
	if err != nil {
		return nil, err
	}

	err = errors.Join(fromJSON(input, &exec.InputData), fromJSON(output, &exec.OutputData))
	if err != nil {
		return nil, err
	}

	return &exec, nil
}

// LoopExecutionRepository handles loop execution reads.
type LoopExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const loopColumns = `instance_id, node_id, iterations, current_iteration, total_iterations, updated_at`

func (r *LoopExecutionRepository) Get(ctx context.Context, instanceID, nodeID string) (*models.LoopExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM loop_executions
		WHERE instance_id = $1 AND node_id = $2`, instanceID, nodeID)

	loop, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrLoopExecutionNotFound
	}

	return loop, err
}

func (r *LoopExecutionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.LoopExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+loopColumns+` FROM loop_executions
		WHERE instance_id = $1 ORDER BY node_id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	loops := make([]*models.LoopExecution, 0)

	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}

		loops = append(loops, loop)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating loop executions: %w", err)
	}

	return loops, nil
}

func scanLoop(row scanner) (*models.LoopExecution, error) {
	var (
		loop       models.LoopExecution
		iterations []byte
	)

	err := row.Scan(&loop.InstanceID, &loop.NodeID, &iterations, &loop.CurrentIteration, &loop.TotalIterations, &loop.UpdatedAt)
	if err != nil {
		return nil, err
	}

	err = fromJSON(iterations, &loop.Iterations)
	if err != nil {
		return nil, err
	}

	return &loop, nil
}
