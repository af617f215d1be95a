// Package postgres implements the economy store on PostgreSQL through a
// pgxpool connection pool. Every conditional write is one statement.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool parses the DSN, opens the pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	logger.Success("Conectado exitosamente a PostgreSQL.", "PG")
	return pool, nil
}

// schema mirrors the Mongo collections, one table each.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cooldowns (
		id          TEXT PRIMARY KEY,
		user_id     BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		scope       TEXT NOT NULL,
		claimed_at  TIMESTAMPTZ,
		locked      BOOLEAN NOT NULL DEFAULT FALSE,
		request_id  TEXT NOT NULL DEFAULT '',
		last_delta  BIGINT,
		pending     BOOLEAN NOT NULL DEFAULT FALSE,
		box_mapping JSONB,
		opened_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS cooldowns_user_idx ON cooldowns (user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_balances (
		id               TEXT PRIMARY KEY,
		chat_id          BIGINT NOT NULL,
		user_id          BIGINT NOT NULL,
		points           BIGINT NOT NULL DEFAULT 0,
		display_name     TEXT NOT NULL DEFAULT '',
		last_action_kind TEXT NOT NULL DEFAULT '',
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS chat_balances_chat_points_idx ON chat_balances (chat_id, points DESC)`,
	`CREATE INDEX IF NOT EXISTS chat_balances_user_idx ON chat_balances (user_id)`,
	`CREATE TABLE IF NOT EXISTS promocodes (
		code       TEXT PRIMARY KEY,
		reward     BIGINT NOT NULL,
		max_uses   INTEGER NOT NULL,
		used_by    JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS global_stats (
		user_id      BIGINT PRIMARY KEY,
		best_points  BIGINT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS global_stats_best_idx ON global_stats (best_points DESC)`,
	`CREATE TABLE IF NOT EXISTS migrations (
		id          TEXT PRIMARY KEY,
		locked      BOOLEAN NOT NULL DEFAULT FALSE,
		locked_at   TIMESTAMPTZ,
		version     INTEGER NOT NULL DEFAULT 0,
		migrated_at TIMESTAMPTZ
	)`,
}
