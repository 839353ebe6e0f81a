// Package database owns the Postgres connection pool behind the
// credential store and the schema migration runner.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// How often pgxpool probes idle connections.
const healthCheckPeriod = time.Minute

// DB wraps the pgx connection pool the credential store runs on.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens a pool sized from configuration and verifies it with a ping.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = healthCheckPeriod

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credential database unreachable: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("Credential database pool opened")

	return &DB{Pool: pool}, nil
}

// Close drains and closes the pool.
func (db *DB) Close() {
	db.Pool.Close()
	log.Info().Msg("Credential database pool closed")
}

// Health pings the database. The health endpoint reports degraded when
// this fails.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
