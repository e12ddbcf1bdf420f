// Package redis provides a sagalock.LockBackend on Redis using rueidis.
//
// Each bucket is one key holding the owner token, taken with SET NX PX and
// released with a compare-and-delete Lua script.
//
// Lock Safety Notes:
//   - Buckets expire after LockTTL so a crashed worker cannot block a saga forever
//   - The gate refreshes held buckets while the handler runs, so LockTTL only
//     bounds how long a crashed worker keeps a bucket
//   - A single Redis primary is assumed; failover can lose a held bucket
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/sagalock"
	"github.com/dcbickfo/sagalock/internal/logger"
	"github.com/dcbickfo/sagalock/internal/luascript"
)

// DefaultPrefix is the key prefix used when Config.Prefix is empty.
const DefaultPrefix = "__sagalock:bucket:"

// Logger is the logging interface used by the backend.
type Logger = logger.Logger

// Config holds configuration for creating a Backend.
type Config struct {
	// Client is the Redis client. Required.
	Client rueidis.Client

	// Prefix for bucket keys. Defaults to DefaultPrefix.
	Prefix string

	// LockTTL is how long a bucket stays held without release. Defaults to 30 seconds.
	LockTTL time.Duration

	// Logger for debug information. Defaults to a no-op logger.
	Logger Logger
}

// Backend implements sagalock.LockBackend on Redis.
type Backend struct {
	client  rueidis.Client
	prefix  string
	lockTTL time.Duration
	logger  Logger
	release luascript.Executor
	refresh luascript.Executor
}

// New creates a Redis backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client must be provided")
	}
	if cfg.LockTTL < 0 {
		return nil, errors.New("LockTTL must not be negative")
	}
	if cfg.LockTTL > 0 && cfg.LockTTL < 100*time.Millisecond {
		return nil, errors.New("LockTTL should be at least 100ms to avoid losing buckets mid-handler")
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}

	return &Backend{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		lockTTL: cfg.LockTTL,
		logger:  cfg.Logger,
		release: luascript.New(luascript.CompareAndDelete),
		refresh: luascript.New(luascript.CompareAndExpire),
	}, nil
}

// Key returns the Redis key of bucket.
func (b *Backend) Key(bucket sagalock.BucketID) string {
	return b.prefix + strconv.Itoa(int(bucket))
}

// TryAcquire takes bucket for owner with SET NX PX.
func (b *Backend) TryAcquire(ctx context.Context, bucket sagalock.BucketID, owner string) (bool, error) {
	key := b.Key(bucket)
	err := b.client.Do(ctx, b.client.B().Set().Key(key).Value(owner).Nx().Px(b.lockTTL).Build()).Error()

	// Nil reply: NX refused, the key exists
	if rueidis.IsRedisNil(err) {
		b.logger.Debug("bucket busy", "key", key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire bucket %q: %w", key, err)
	}
	return true, nil
}

// Refresh resets the bucket TTL to LockTTL if the key still holds owner.
func (b *Backend) Refresh(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	key := b.Key(bucket)
	ttl := strconv.FormatInt(b.lockTTL.Milliseconds(), 10)
	refreshed, err := b.refresh.Exec(ctx, b.client, []string{key}, []string{owner, ttl}).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to refresh bucket %q: %w", key, err)
	}
	if refreshed == 0 {
		return fmt.Errorf("bucket %q: %w", key, sagalock.ErrLockNotHeld)
	}
	return nil
}

// LeaseTTL returns LockTTL.
func (b *Backend) LeaseTTL() time.Duration {
	return b.lockTTL
}

// Release deletes the bucket key if it still holds owner.
func (b *Backend) Release(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	key := b.Key(bucket)
	deleted, err := b.release.Exec(ctx, b.client, []string{key}, []string{owner}).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to release bucket %q: %w", key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("bucket %q: %w", key, sagalock.ErrLockNotHeld)
	}
	return nil
}
