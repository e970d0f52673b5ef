package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("cache entry not found")

// Store is a persistent cache tier. Get returns ErrNotFound on a miss.
type Store interface {
	Get(ctx context.Context, fp string) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
	Touch(ctx context.Context, fp string, at time.Time) error
}

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	// MaxAge ignores rows older than this on read. Zero disables the check.
	MaxAge time.Duration
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	return nil
}

// PostgresStore keeps entries in the query_cache table with results as JSONB.
type PostgresStore struct {
	log *slog.Logger
	cfg PostgresStoreConfig
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate query cache store config: %w", err)
	}
	return &PostgresStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *PostgresStore) Get(ctx context.Context, fp string) (*Entry, error) {
	var (
		entry   Entry
		results []byte
	)
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT query_hash, sql_query, results, row_count, created_at, last_accessed, access_count
		FROM query_cache
		WHERE query_hash = $1
	`, fp).Scan(&entry.Fingerprint, &entry.SQL, &results, &entry.RowCount, &entry.CreatedAt, &entry.LastAccessAt, &entry.AccessCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if s.cfg.MaxAge > 0 && time.Since(entry.CreatedAt) > s.cfg.MaxAge {
		return nil, ErrNotFound
	}

	var res querier.Result
	if err := json.Unmarshal(results, &res); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	entry.Result = &res
	return &entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, entry Entry) error {
	results, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO query_cache (query_hash, sql_query, results, row_count, created_at, last_accessed, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (query_hash) DO NOTHING
	`, entry.Fingerprint, entry.SQL, results, entry.RowCount, entry.CreatedAt, entry.LastAccessAt)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, fp string, at time.Time) error {
	_, err := s.cfg.Pool.Exec(ctx, `
		UPDATE query_cache
		SET last_accessed = $2, access_count = access_count + 1
		WHERE query_hash = $1
	`, fp, at)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}
