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

const uniqueViolation = "23505"

const definitionColumns = `
	id
  , name
  , version
  , description
  , status
  , enabled
  , nodes
  , edges
  , config
  , created_at
  , updated_at
  , published_at`

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DefinitionRepository) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	nodes, edges, config, err := definitionJSON(def)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		def.ID, def.Name, def.Version, def.Description, def.Status, def.Enabled,
		nodes, edges, config, def.CreatedAt, def.UpdatedAt, def.PublishedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return persistence.NewDefinitionError("Create", def.Name, def.Version, persistence.ErrDefinitionAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) Update(ctx context.Context, def *models.WorkflowDefinition) error {
	nodes, edges, config, err := definitionJSON(def)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_definitions
		SET description = $2, status = $3, enabled = $4, nodes = $5, edges = $6,
			config = $7, updated_at = $8, published_at = $9
		WHERE id = $1`,
		def.ID, def.Description, def.Status, def.Enabled, nodes, edges, config, def.UpdatedAt, def.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}

	return expectOneRow(result, persistence.NewDefinitionError("Update", def.Name, def.Version, persistence.ErrDefinitionNotFound))
}

func (r *DefinitionRepository) Delete(ctx context.Context, name string, version uint) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	return expectOneRow(result, persistence.NewDefinitionError("Delete", name, version, persistence.ErrDefinitionNotFound))
}

func (r *DefinitionRepository) Get(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewDefinitionError("Get", name, version, persistence.ErrDefinitionNotFound)
	}

	return def, err
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewDefinitionError("GetByID", id, 0, persistence.ErrDefinitionNotFound)
	}

	return def, err
}

func (r *DefinitionRepository) LatestVersion(ctx context.Context, name string) (uint, error) {
	var version uint

	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = $1`, name).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest version: %w", err)
	}

	return version, nil
}

func (r *DefinitionRepository) LatestActive(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE name = $1 AND status = 'active'
		ORDER BY version DESC
		LIMIT 1`, name)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewDefinitionError("LatestActive", name, 0, persistence.ErrDefinitionNotFound)
	}

	return def, err
}

func (r *DefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	where := ` WHERE ($1 = '' OR name = $1) AND ($2 = '' OR status = $2)`

	var status string
	if opts.Status != nil {
		status = string(*opts.Status)
	}

	var total int64

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_definitions`+where, opts.Name, status).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count definitions: %w", err)
	}

	limit := sql.NullInt64{Int64: int64(opts.Limit), Valid: opts.Limit > 0}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM workflow_definitions`+where+`
		ORDER BY name ASC, version DESC
		LIMIT $3 OFFSET $4`, opts.Name, status, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, def)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return &persistence.DefinitionListResult{
		Definitions: definitions,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(definitions)) < total,
	}, nil
}

func definitionJSON(def *models.WorkflowDefinition) (nodes, edges, config []byte, err error) {
	nodes, err = toJSON(def.Nodes)
	if err != nil {
		return nil, nil, nil, err
	}

	edges, err = toJSON(def.Edges)
	if err != nil {
		return nil, nil, nil, err
	}

	config, err = toJSON(def.Config)
	if err != nil {
		return nil, nil, nil, err
	}

	return nodes, edges, config, nil
}

func scanDefinition(row scanner) (*models.WorkflowDefinition, error) {
	var (
		def                  models.WorkflowDefinition
		nodes, edges, config []byte
	)

	err := row.Scan(
		&def.ID, &def.Name, &def.Version, &def.Description, &def.Status, &def.Enabled,
		&nodes, &edges, &config, &def.CreatedAt, &def.UpdatedAt, &def.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = errors.Join(fromJSON(nodes, &def.Nodes), fromJSON(edges, &def.Edges), fromJSON(config, &def.Config))
	if err != nil {
		return nil, err
	}

	return &def, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
