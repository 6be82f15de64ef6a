package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Commit writes the changeset in one transaction. Instances are inserted when
// their revision is zero and otherwise updated only if the stored revision
// still matches.
func (p *Persistence) Commit(ctx context.Context, changes *persistence.Changeset) error {
	if changes == nil || changes.Empty() {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = p.apply(ctx, tx, changes)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, inst := range changes.Instances {
		inst.Revision++
	}

	return nil
}

func (p *Persistence) apply(ctx context.Context, tx *sql.Tx, changes *persistence.Changeset) error {
	for _, inst := range changes.Instances {
		err := saveInstance(ctx, tx, inst)
		if err != nil {
			return err
		}
	}

	for _, exec := range changes.Executions {
		err := saveExecution(ctx, tx, exec)
		if err != nil {
			return err
		}
	}

	for _, loop := range changes.Loops {
		err := saveLoop(ctx, tx, loop)
		if err != nil {
			return err
		}
	}

	for _, entry := range changes.Logs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_logs (id, instance_id, node_id, attempt, level, message, timestamp, engine_instance_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.InstanceID, entry.NodeID, entry.Attempt, entry.Level,
			entry.Message, entry.Timestamp, entry.EngineInstanceID,
		)
		if err != nil {
			return fmt.Errorf("failed to append execution log: %w", err)
		}
	}

	return nil
}

func saveInstance(ctx context.Context, tx *sql.Tx, inst *models.WorkflowInstance) error {
	args, err := instanceArgs(inst, inst.Revision+1)
	if err != nil {
		return err
	}

	names := strings.Fields(strings.ReplaceAll(instanceColumns, ",", " "))

	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var result sql.Result

	if inst.Revision == 0 {
		result, err = tx.ExecContext(ctx, `INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES (`+strings.Join(placeholders, ", ")+`) ON CONFLICT (id) DO NOTHING`, args...)
	} else {
		sets := make([]string, 0, len(names)-1)
		for i, name := range names[1:] {
			sets = append(sets, fmt.Sprintf("%s = $%d", name, i+2))
		}

		result, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET `+strings.Join(sets, ", ")+
			fmt.Sprintf(` WHERE id = $1 AND revision = $%d`, len(args)+1), append(args, inst.Revision)...)
	}

	if err != nil {
		return persistence.NewInstanceError("Commit", inst.ID, err)
	}

	return expectOneRow(result, persistence.NewInstanceError("Commit", inst.ID, persistence.ErrRevisionConflict))
}

func saveExecution(ctx context.Context, tx *sql.Tx, exec *models.NodeExecution) error {
	input, err := toJSON(exec.InputData)
	if err != nil {
		return err
	}

	output, err := toJSON(exec.OutputData)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind,
			input_data = EXCLUDED.input_data,
			output_data = EXCLUDED.output_data,
			lease_owner = EXCLUDED.lease_owner,
			heartbeat_at = EXCLUDED.heartbeat_at,
			child_instance_id = EXCLUDED.child_instance_id`,
		exec.ID, exec.InstanceID, exec.NodeID, exec.Attempt, exec.Status,
		exec.StartTime, exec.EndTime, exec.ErrorMessage, exec.ErrorKind,
		input, output, exec.LeaseOwner, exec.HeartbeatAt, exec.ChildInstanceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save node execution %s: %w", exec.ID, err)
	}

	return nil
}

func saveLoop(ctx context.Context, tx *sql.Tx, loop *models.LoopExecution) error {
	iterations, err := toJSON(loop.Iterations)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loop_executions (`+loopColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id, node_id) DO UPDATE SET
			iterations = EXCLUDED.iterations,
			current_iteration = EXCLUDED.current_iteration,
			total_iterations = EXCLUDED.total_iterations,
			updated_at = EXCLUDED.updated_at`,
		loop.InstanceID, loop.NodeID, iterations, loop.CurrentIteration, loop.TotalIterations, loop.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save loop execution %s/%s: %w", loop.InstanceID, loop.NodeID, err)
	}

	return nil
}
