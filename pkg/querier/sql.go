package querier

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
)

type SQLConfig struct {
	Logger *slog.Logger
	DB     *sql.DB
	Driver string
	Limits
}

func (cfg *SQLConfig) Validate() error {
	if err := validateLogger(cfg.Logger); err != nil {
		return err
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	switch cfg.Driver {
	case DriverSQLite, DriverDuckDB, DriverClickHouse:
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	cfg.Limits.setDefaults()
	return nil
}

// SQLQuerier runs queries through database/sql for the SQLite, DuckDB and
// ClickHouse drivers. The pool is bounded by the DB's MaxOpenConns.
type SQLQuerier struct {
	log *slog.Logger
	cfg SQLConfig
}

func NewSQLQuerier(cfg SQLConfig) (*SQLQuerier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sql querier config: %w", err)
	}
	return &SQLQuerier{log: cfg.Logger, cfg: cfg}, nil
}

func (q *SQLQuerier) Driver() string { return q.cfg.Driver }

func (q *SQLQuerier) Ping(ctx context.Context) error {
	return q.cfg.DB.PingContext(ctx)
}

func (q *SQLQuerier) Query(ctx context.Context, sqlText string) (*Result, error) {
	start := time.Now()
	res, err := q.query(ctx, sqlText)
	status := "ok"
	if kind, ok := FailureOf(err); ok {
		status = string(kind)
	} else if err != nil {
		status = "canceled"
	}
	metrics.RecordDatastoreQuery(q.cfg.Driver, status, time.Since(start))
	if err != nil {
		q.log.Debug("querier: query failed", "driver", q.cfg.Driver, "error", err, "duration", time.Since(start))
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (q *SQLQuerier) query(ctx context.Context, sqlText string) (*Result, error) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, q.cfg.AcquireTimeout)
	conn, err := q.cfg.DB.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Kind: FailureConnection, Err: fmt.Errorf("failed to get connection: %w", err)}
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, q.cfg.QueryTimeout)
	defer cancel()

	rows, err := conn.QueryContext(queryCtx, sqlText)
	if err != nil {
		return nil, classify(ctx, q.cfg.Driver, err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, classify(ctx, q.cfg.Driver, err)
	}
	cols := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}

	res := &Result{SQL: sqlText, Columns: cols, Rows: []Row{}}
	for rows.Next() {
		if len(res.Rows) == q.cfg.MaxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, classify(ctx, q.cfg.Driver, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c.Name] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, q.cfg.Driver, err)
	}

	res.Count = len(res.Rows)
	inferKinds(res.Columns, res.Rows)
	return res, nil
}
