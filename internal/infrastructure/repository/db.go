package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/infrastructure/config"
)

//go:embed schema.sql
var schemaSQL string

// DB holds the pgx pool and a database/sql handle over the same pool. The
// ledger uses the latter so its lock and writes share one *sql.Tx.
type DB struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// Open connects and pings the primary database.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	configurePool(poolCfg, cfg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection pool initialized",
		zap.Int32("max_connections", poolCfg.MaxConns),
		zap.Int32("min_connections", poolCfg.MinConns))

	return &DB{Pool: pool, SQL: stdlib.OpenDBFromPool(pool)}, nil
}

func configurePool(pc *pgxpool.Config, cfg config.DatabaseConfig) {
	pc.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	pc.MaxConnLifetime = 30 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = 5 * time.Second
	pc.ConnConfig.RuntimeParams["application_name"] = "dispatch_guard"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "10s"
}

// ApplySchema creates any missing tables. Statements are idempotent.
func (db *DB) ApplySchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for health endpoints.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	_ = db.SQL.Close()
	db.Pool.Close()
}
