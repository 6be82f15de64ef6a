package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// ExecutionLogRepository queries the execution_logs table.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionLogRepository) Query(ctx context.Context, query persistence.LogQuery) ([]*models.ExecutionLogEntry, error) {
	var level sql.NullString
	if query.Level != nil {
		level = sql.NullString{String: string(*query.Level), Valid: true}
	}

	limit := sql.NullInt64{Int64: int64(query.Limit), Valid: query.Limit > 0}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instance_id, node_id, attempt, level, message, timestamp, engine_instance_id
		FROM execution_logs
		WHERE instance_id = $1
			AND ($2::text IS NULL OR node_id = $2)
			AND ($3::text IS NULL OR level = $3)
			AND ($4::timestamptz IS NULL OR timestamp >= $4)
			AND ($5::timestamptz IS NULL OR timestamp <= $5)
		ORDER BY seq
		LIMIT $6 OFFSET $7`,
		query.InstanceID, query.NodeID, level, query.From, query.To, limit, query.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.ExecutionLogEntry, 0)

	for rows.Next() {
		var entry models.ExecutionLogEntry

		err := rows.Scan(&entry.ID, &entry.InstanceID, &entry.NodeID, &entry.Attempt, &entry.Level,
			&entry.Message, &entry.Timestamp, &entry.EngineInstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}

		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}

	return entries, nil
}
