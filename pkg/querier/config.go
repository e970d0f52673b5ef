package querier

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverDuckDB     = "duckdb"
	DriverClickHouse = "clickhouse"

	DefaultQueryTimeout   = 30 * time.Second
	DefaultAcquireTimeout = 10 * time.Second
	DefaultMaxRows        = 1000
)

// Limits bound a single query.
type Limits struct {
	QueryTimeout   time.Duration
	AcquireTimeout time.Duration
	MaxRows        int
}

func (l *Limits) setDefaults() {
	if l.QueryTimeout <= 0 {
		l.QueryTimeout = DefaultQueryTimeout
	}
	if l.AcquireTimeout <= 0 {
		l.AcquireTimeout = DefaultAcquireTimeout
	}
	if l.MaxRows <= 0 {
		l.MaxRows = DefaultMaxRows
	}
}

func validateLogger(log *slog.Logger) error {
	if log == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Datastore is implemented by PoolQuerier and SQLQuerier.
type Datastore interface {
	Query(ctx context.Context, sql string) (*Result, error)
	Ping(ctx context.Context) error
	Driver() string
}
