package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	objerrors "github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/model"
)

// COLLATE "C" makes comparison and ORDER BY follow raw byte order.
const objectsSchema = `
	CREATE TABLE IF NOT EXISTS objects (
		tenant_id     TEXT NOT NULL,
		key           TEXT COLLATE "C" NOT NULL,
		size_bytes    BIGINT NOT NULL,
		content_type  TEXT NOT NULL,
		etag          TEXT NOT NULL,
		version       TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		last_modified TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)
`

const objectColumns = `tenant_id, key, size_bytes, content_type, etag, version, created_at, last_modified`

// PostgresStore implements MetadataStore for PostgreSQL. The pool is owned by
// the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore ensures the objects table exists
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, objectsSchema); err != nil {
		return nil, fmt.Errorf("failed to create objects table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func scanObject(row pgx.Row) (model.Object, error) {
	var obj model.Object
	err := row.Scan(
		&obj.TenantID,
		&obj.Key,
		&obj.Size,
		&obj.ContentType,
		&obj.ETag,
		&obj.Location.Version,
		&obj.CreatedAt,
		&obj.LastModified,
	)
	obj.Location.TenantID = obj.TenantID
	obj.Location.Key = obj.Key
	return obj, err
}

// Put upserts object metadata
func (s *PostgresStore) Put(ctx context.Context, obj model.Object) error {
	query := `
		INSERT INTO objects (` + objectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			content_type = EXCLUDED.content_type,
			etag = EXCLUDED.etag,
			version = EXCLUDED.version,
			created_at = EXCLUDED.created_at,
			last_modified = EXCLUDED.last_modified
	`

	_, err := s.pool.Exec(ctx, query,
		obj.TenantID,
		obj.Key,
		obj.Size,
		obj.ContentType,
		obj.ETag,
		obj.Location.Version,
		obj.CreatedAt,
		obj.LastModified,
	)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Get retrieves object metadata
func (s *PostgresStore) Get(ctx context.Context, tenantID, key string) (model.Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE tenant_id = $1 AND key = $2`

	obj, err := scanObject(s.pool.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, objerrors.ObjectNotFound(tenantID, key)
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// Delete removes object metadata and returns the removed row
func (s *PostgresStore) Delete(ctx context.Context, tenantID, key string) (model.Object, error) {
	query := `DELETE FROM objects WHERE tenant_id = $1 AND key = $2 RETURNING ` + objectColumns

	obj, err := scanObject(s.pool.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, objerrors.ObjectNotFound(tenantID, key)
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("failed to delete object: %w", err)
	}
	return obj, nil
}

// List fetches one extra row to learn whether the page is truncated
func (s *PostgresStore) List(ctx context.Context, tenantID, prefix, after string, limit int) ([]model.Object, bool, error) {
	query := `
		SELECT ` + objectColumns + `
		FROM objects
		WHERE tenant_id = $1 AND key > $2 AND starts_with(key, $3)
		ORDER BY key
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, tenantID, after, prefix, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	objects := make([]model.Object, 0, limit)
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate objects: %w", err)
	}

	if len(objects) > limit {
		return objects[:limit], true, nil
	}
	return objects, false, nil
}

// TenantUsage sums stored sizes per tenant
func (s *PostgresStore) TenantUsage(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id, SUM(size_bytes)::bigint FROM objects GROUP BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var tenantID string
		var total int64
		if err := rows.Scan(&tenantID, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		usage[tenantID] = total
	}
	return usage, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the shared pool is closed by its owner
func (s *PostgresStore) Close() error {
	return nil
}
