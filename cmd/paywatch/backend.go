package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	dbmigrations "github.com/coachpo/paywatch/db/migrations"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/infra/persistence/migrations"
	"github.com/coachpo/paywatch/internal/infra/persistence/postgres"
	"github.com/coachpo/paywatch/internal/infra/persistence/redis"
	"github.com/coachpo/paywatch/internal/infra/persistence/sqlite"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/statusstore"
	"github.com/coachpo/paywatch/internal/telemetry"
)

const snapshotPoolName = "snapshots"

// snapshotStore bundles the status store with the resources backing it.
type snapshotStore struct {
	*statusstore.Store
	pool *pgxpool.Pool
}

// Close releases the store and, for PostgreSQL, the connection pool.
func (s *snapshotStore) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func openSnapshotStore(ctx context.Context, cfg config.AppConfig, logger *log.Logger, metrics *telemetry.Metrics) (*snapshotStore, error) {
	opts := statusstore.Options{
		Backend:       cfg.Store.Backend,
		KeyPrefix:     cfg.Store.KeyPrefix,
		DefaultTTL:    cfg.Store.SnapshotTTL,
		SweepInterval: cfg.Store.SweepInterval,
		Logger:        observability.Log(),
		Metrics:       metrics,
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return &snapshotStore{Store: statusstore.New(nil, opts)}, nil
	case config.BackendSQLite:
		kv, err := sqlite.Open(ctx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Printf("sqlite snapshot store opened: %s", cfg.Store.SQLite.Path)
		return &snapshotStore{Store: statusstore.New(kv, opts)}, nil
	case config.BackendRedis:
		kv, err := redis.Open(ctx, cfg.Store.Redis.URL, redis.WithRetention(cfg.Store.Redis.Retention))
		if err != nil {
			return nil, err
		}
		logger.Printf("redis snapshot store connected")
		return &snapshotStore{Store: statusstore.New(kv, opts)}, nil
	case config.BackendPostgres:
		pool, err := openPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.RunMigrations {
			if err := migrations.ApplyFS(ctx, cfg.Database.DSN, dbmigrations.Files, ".", logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		postgres.ObservePoolMetrics(pool, snapshotPoolName)
		logger.Printf("postgres snapshot store connected: max_conns=%d", cfg.Database.MaxConns)
		return &snapshotStore{Store: statusstore.New(postgres.NewSnapshotKV(pool), opts), pool: pool}, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
