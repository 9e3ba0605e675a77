package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rentalportal/model"
)

// Schema creates the entities table used by PgEntityStore.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	timeline   JSONB NOT NULL DEFAULT '[]'::jsonb,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_kind_state_idx ON entities (kind, state);
`

// PgEntityStore is a PostgreSQL-backed EntityRepository using pgx/v5. The
// timeline and attributes are stored as JSONB next to the entity row.
type PgEntityStore struct {
	pool *pgxpool.Pool
}

// NewPgEntityStore creates a new PostgreSQL entity store.
func NewPgEntityStore(pool *pgxpool.Pool) *PgEntityStore {
	return &PgEntityStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgEntityStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate entities: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgEntityStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get retrieves an entity by ID.
func (s *PgEntityStore) Get(ctx context.Context, id string) (model.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, state, attributes, timeline, version, created_at, updated_at
		FROM entities
		WHERE id = $1`,
		id,
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entity{}, model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("query entity: %w", err)
	}
	return e, nil
}

// Save inserts a new entity (Version 0) or updates an existing one with
// optimistic locking.
func (s *PgEntityStore) Save(ctx context.Context, e model.Entity) error {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	timelineJSON, err := json.Marshal(e.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	if e.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO entities (id, kind, state, attributes, timeline, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Kind, e.State, attrsJSON, timelineJSON, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET
			state = $1,
			attributes = $2,
			timeline = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		e.State, attrsJSON, timelineJSON, e.Version+1, e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d)", e.ID, e.Version),
		)
	}
	return nil
}

// List returns entities matching filters, newest first.
func (s *PgEntityStore) List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, error) {
	query := `SELECT id, kind, state, attributes, timeline, version, created_at, updated_at
	          FROM entities
	          WHERE 1 = 1`
	var args []any
	argIdx := 1

	if filters.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filters.Kind)
		argIdx++
	}
	if filters.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filters.State)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	var attrsJSON, timelineJSON []byte
	if err := row.Scan(
		&e.ID, &e.Kind, &e.State, &attrsJSON, &timelineJSON, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return model.Entity{}, err
	}
	if attrsJSON != nil {
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			return model.Entity{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if timelineJSON != nil {
		if err := json.Unmarshal(timelineJSON, &e.Timeline); err != nil {
			return model.Entity{}, fmt.Errorf("unmarshal timeline: %w", err)
		}
	}
	return e, nil
}
