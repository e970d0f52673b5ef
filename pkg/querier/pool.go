package querier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Limits
}

func (cfg *PoolConfig) Validate() error {
	if err := validateLogger(cfg.Logger); err != nil {
		return err
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	cfg.Limits.setDefaults()
	return nil
}

// PoolQuerier runs read-only queries against Postgres through a bounded pgx
// pool. Acquisition waits for a free connection up to AcquireTimeout.
type PoolQuerier struct {
	log *slog.Logger
	cfg PoolConfig
}

func NewPoolQuerier(cfg PoolConfig) (*PoolQuerier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pool querier config: %w", err)
	}
	return &PoolQuerier{log: cfg.Logger, cfg: cfg}, nil
}

func (q *PoolQuerier) Driver() string { return DriverPostgres }

func (q *PoolQuerier) Ping(ctx context.Context) error {
	return q.cfg.Pool.Ping(ctx)
}

func (q *PoolQuerier) Query(ctx context.Context, sql string) (*Result, error) {
	start := time.Now()
	res, err := q.query(ctx, sql)
	status := "ok"
	if kind, ok := FailureOf(err); ok {
		status = string(kind)
	} else if err != nil {
		status = "canceled"
	}
	metrics.RecordDatastoreQuery(DriverPostgres, status, time.Since(start))
	if err != nil {
		q.log.Debug("querier: query failed", "driver", DriverPostgres, "error", err, "duration", time.Since(start))
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (q *PoolQuerier) query(ctx context.Context, sql string) (*Result, error) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, q.cfg.AcquireTimeout)
	conn, err := q.cfg.Pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Kind: FailureConnection, Err: fmt.Errorf("failed to acquire connection: %w", err)}
	}
	defer conn.Release()

	queryCtx, cancel := context.WithTimeout(ctx, q.cfg.QueryTimeout)
	defer cancel()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(ctx, DriverPostgres, err)
	}
	// Read-only transactions are always rolled back.
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(queryCtx, sql)
	if err != nil {
		return nil, classify(ctx, DriverPostgres, err)
	}
	defer rows.Close()

	typeMap := conn.Conn().TypeMap()
	fields := rows.FieldDescriptions()
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: f.Name}
		if t, ok := typeMap.TypeForOID(f.DataTypeOID); ok {
			cols[i].DatabaseType = t.Name
		}
	}

	res := &Result{SQL: sql, Columns: cols, Rows: []Row{}}
	for rows.Next() {
		if len(res.Rows) == q.cfg.MaxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classify(ctx, DriverPostgres, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c.Name] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, DriverPostgres, err)
	}

	res.Count = len(res.Rows)
	inferKinds(res.Columns, res.Rows)
	return res, nil
}
