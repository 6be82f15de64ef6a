// Package sqlbase provides schema migrations shared by SQL stores.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// migrationLockID is the advisory lock key serialising migrations between
// engines that share a database.
const migrationLockID int64 = 0x7461736b666c6f77

const schemaMigrationsDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)
`

// Migrator applies numbered SQL scripts once, in ascending order.
type Migrator struct {
	db       *sql.DB
	logger   *slog.Logger
	scripts  map[int]string
	versions []int
}

func NewMigrator(logger *slog.Logger, db *sql.DB, scripts map[int]string) *Migrator {
	return &Migrator{
		db:       db,
		logger:   logger,
		scripts:  scripts,
		versions: slices.Sorted(maps.Keys(scripts)),
	}
}

// Latest returns the highest script version, 0 when there are none.
func (m *Migrator) Latest() int {
	if len(m.versions) == 0 {
		return 0
	}

	return m.versions[len(m.versions)-1]
}

// Migrate applies every pending script. Each script runs in its own
// transaction holding the advisory lock, and the applied check is repeated
// under the lock, so concurrent callers apply each script exactly once.
func (m *Migrator) Migrate(ctx context.Context) error {
	err := m.locked(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schemaMigrationsDDL)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := 0

	for _, version := range m.versions {
		err := m.locked(ctx, func(tx *sql.Tx) error {
			var done bool

			err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&done)
			if err != nil || done {
				return err
			}

			m.logger.InfoContext(ctx, "Applying migration", "version", version)

			if _, err := tx.ExecContext(ctx, m.scripts[version]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
				return err
			}

			applied++

			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
	}

	m.logger.InfoContext(ctx, "Database schema is up to date", "version", m.Latest(), "applied", applied)

	return nil
}

func (m *Migrator) locked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
