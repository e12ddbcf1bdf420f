package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/dcbickfo/sagalock"
	"github.com/dcbickfo/sagalock/backend/memory"
	"github.com/dcbickfo/sagalock/backend/postgres"
	"github.com/dcbickfo/sagalock/backend/redis"
	"github.com/dcbickfo/sagalock/internal/config"
)

// openBackend connects the configured lock backend. The returned func closes
// whatever connection was opened.
func openBackend(ctx context.Context, cfg *config.Config, logger sagalock.Logger) (sagalock.LockBackend, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendRedis:
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: cfg.Redis.Addresses,
			// lock keys are never read back, so client-side caching buys nothing
			DisableCache: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		backend, err := redis.New(redis.Config{
			Client:  client,
			Prefix:  cfg.Redis.Prefix,
			LockTTL: cfg.Redis.LockTTL,
			Logger:  logger,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return backend, client.Close, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		backend, err := postgres.New(postgres.Config{
			DB:      pool,
			Table:   cfg.Postgres.Table,
			LockTTL: cfg.Postgres.LockTTL,
		})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to create lock table: %w", err)
		}
		return backend, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
