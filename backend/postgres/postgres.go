// Package postgres provides a sagalock.LockBackend on a PostgreSQL table using pgx.
//
// Each held bucket is one row. Acquisition is an upsert that inserts a free bucket
// or takes over a row whose lease has expired; anything else leaves the row alone
// and reports the bucket busy.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dcbickfo/sagalock"
)

// DefaultTable is the lock table used when Config.Table is empty.
const DefaultTable = "saga_lock_buckets"

// DB is the subset of pgxpool.Pool, pgx.Conn and pgx.Tx the backend needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config holds configuration for creating a Backend.
type Config struct {
	// DB executes statements. Usually a *pgxpool.Pool. Required.
	DB DB

	// Table is the lock table, optionally schema-qualified. Defaults to DefaultTable.
	Table string

	// LockTTL is the lease of an acquired bucket. Defaults to 30 seconds.
	LockTTL time.Duration
}

// Backend implements sagalock.LockBackend on PostgreSQL.
type Backend struct {
	db         DB
	lockTTL    time.Duration
	table      string
	schemaSQL  string
	acquireSQL string
	refreshSQL string
	releaseSQL string
}

// New creates a PostgreSQL backend. Call EnsureSchema once before use if the
// table is not managed by migrations.
func New(cfg Config) (*Backend, error) {
	if cfg.DB == nil {
		return nil, errors.New("postgres DB must be provided")
	}
	if cfg.LockTTL < 0 {
		return nil, errors.New("LockTTL must not be negative")
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	table := pgx.Identifier(strings.Split(cfg.Table, ".")).Sanitize()

	return &Backend{
		db:      cfg.DB,
		lockTTL: cfg.LockTTL,
		table:   table,
		schemaSQL: `CREATE TABLE IF NOT EXISTS ` + table + ` (
	bucket_id  integer PRIMARY KEY,
	owner      text NOT NULL,
	expires_at timestamptz NOT NULL
)`,
		acquireSQL: `INSERT INTO ` + table + ` AS l (bucket_id, owner, expires_at)
VALUES ($1, $2, now() + $3::float8 * interval '1 second')
ON CONFLICT (bucket_id) DO UPDATE
	SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
	WHERE l.expires_at < now()`,
		refreshSQL: `UPDATE ` + table + ` SET expires_at = now() + $3::float8 * interval '1 second'
WHERE bucket_id = $1 AND owner = $2`,
		releaseSQL: `DELETE FROM ` + table + ` WHERE bucket_id = $1 AND owner = $2`,
	}, nil
}

// Table returns the sanitized table identifier.
func (b *Backend) Table() string {
	return b.table
}

// EnsureSchema creates the lock table if it does not exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, b.schemaSQL); err != nil {
		return fmt.Errorf("failed to create lock table %s: %w", b.table, err)
	}
	return nil
}

// TryAcquire inserts or takes over the bucket row for owner.
func (b *Backend) TryAcquire(ctx context.Context, bucket sagalock.BucketID, owner string) (bool, error) {
	tag, err := b.db.Exec(ctx, b.acquireSQL, int32(bucket), owner, b.lockTTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire bucket %d: %w", bucket, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Refresh extends the lease of the bucket row if owner still holds it.
func (b *Backend) Refresh(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	tag, err := b.db.Exec(ctx, b.refreshSQL, int32(bucket), owner, b.lockTTL.Seconds())
	if err != nil {
		return fmt.Errorf("failed to refresh bucket %d: %w", bucket, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bucket %d: %w", bucket, sagalock.ErrLockNotHeld)
	}
	return nil
}

// LeaseTTL returns LockTTL.
func (b *Backend) LeaseTTL() time.Duration {
	return b.lockTTL
}

// Release deletes the bucket row if owner still holds it.
func (b *Backend) Release(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	tag, err := b.db.Exec(ctx, b.releaseSQL, int32(bucket), owner)
	if err != nil {
		return fmt.Errorf("failed to release bucket %d: %w", bucket, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bucket %d: %w", bucket, sagalock.ErrLockNotHeld)
	}
	return nil
}
