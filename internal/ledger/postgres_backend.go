package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const usageSchema = `
	CREATE TABLE IF NOT EXISTS tenant_usage (
		tenant_id  TEXT PRIMARY KEY,
		used_bytes BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresBackend stores usage counters in PostgreSQL. The pool is owned by
// the caller.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend ensures the usage table exists
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresBackend, error) {
	if _, err := pool.Exec(ctx, usageSchema); err != nil {
		return nil, fmt.Errorf("failed to create tenant_usage table: %w", err)
	}
	return &PostgresBackend{pool: pool, logger: logger}, nil
}

func (b *PostgresBackend) TryAdd(ctx context.Context, tenantID string, delta, limit int64) (int64, bool, error) {
	// The INSERT branch is guarded for tenants without a row yet; the UPDATE
	// branch re-checks against the stored value under the row lock.
	query := `
		INSERT INTO tenant_usage (tenant_id, used_bytes)
		SELECT $1, $2::bigint WHERE $2::bigint <= $3::bigint
		ON CONFLICT (tenant_id) DO UPDATE
		SET used_bytes = tenant_usage.used_bytes + EXCLUDED.used_bytes, updated_at = now()
		WHERE tenant_usage.used_bytes + EXCLUDED.used_bytes <= $3::bigint
		RETURNING used_bytes
	`

	var used int64
	err := b.pool.QueryRow(ctx, query, tenantID, delta, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := b.Used(ctx, tenantID)
		if err != nil {
			return 0, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	return used, true, nil
}

func (b *PostgresBackend) Sub(ctx context.Context, tenantID string, delta int64) (int64, error) {
	query := `
		UPDATE tenant_usage
		SET used_bytes = GREATEST(used_bytes - $2, 0), updated_at = now()
		WHERE tenant_id = $1
		RETURNING used_bytes
	`

	var used int64
	err := b.pool.QueryRow(ctx, query, tenantID, delta).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release quota: %w", err)
	}
	return used, nil
}

func (b *PostgresBackend) Used(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := b.pool.QueryRow(ctx, `SELECT used_bytes FROM tenant_usage WHERE tenant_id = $1`, tenantID).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return used, nil
}

func (b *PostgresBackend) Set(ctx context.Context, tenantID string, used int64) error {
	query := `
		INSERT INTO tenant_usage (tenant_id, used_bytes) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET used_bytes = EXCLUDED.used_bytes, updated_at = now()
	`
	_, err := b.pool.Exec(ctx, query, tenantID, used)
	return err
}

func (b *PostgresBackend) Tenants(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT tenant_id FROM tenant_usage`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenants: %w", err)
	}
	return tenants, nil
}

// Ping checks the database connection
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close is a no-op; the shared pool is closed by its owner
func (b *PostgresBackend) Close() error {
	return nil
}
