// Package appdb owns the application's own Postgres tables: sessions,
// conversation turns and the persistent query cache.
package appdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"create user_sessions table", `
		CREATE TABLE IF NOT EXISTS user_sessions (
			session_id UUID PRIMARY KEY,
			user_id VARCHAR(255),
			context JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`},
	{"create conversations table", `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES user_sessions(session_id),
			seq BIGSERIAL,
			question TEXT NOT NULL,
			sql_query TEXT,
			results JSONB,
			chart_spec JSONB,
			insights JSONB NOT NULL DEFAULT '[]',
			recommendations JSONB NOT NULL DEFAULT '[]',
			metrics JSONB,
			stages JSONB NOT NULL DEFAULT '[]',
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			from_cache BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"create conversations session index", `
		CREATE INDEX IF NOT EXISTS idx_conversations_session_seq
		ON conversations (session_id, seq)`},
	{"create query_cache table", `
		CREATE TABLE IF NOT EXISTS query_cache (
			query_hash CHAR(64) PRIMARY KEY,
			sql_query TEXT NOT NULL,
			results JSONB NOT NULL,
			row_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_accessed TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			access_count BIGINT NOT NULL DEFAULT 0
		)`},
	{"create query_cache access index", `
		CREATE INDEX IF NOT EXISTS idx_query_cache_last_accessed
		ON query_cache (last_accessed)`},
}

// Migrate creates the application tables. Every statement is idempotent.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("appdb: running migrations", "count", len(migrations))
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to %s: %w", m.name, err)
		}
	}
	log.Info("appdb: migrations completed")
	return nil
}
