package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxSampleValues = 15
	sampleProbe     = 20
)

type PostgresFetcherConfig struct {
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Schema       string
	Tables       []string
	SampleValues bool
}

func (cfg *PostgresFetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	cfg.Tables = normalizeTables(cfg.Tables)
	return nil
}

// PostgresFetcher reads the catalog from information_schema over a pgx pool.
type PostgresFetcher struct {
	log *slog.Logger
	cfg PostgresFetcherConfig
}

func NewPostgresFetcher(cfg PostgresFetcherConfig) (*PostgresFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres fetcher config: %w", err)
	}
	return &PostgresFetcher{log: cfg.Logger, cfg: cfg}, nil
}

func (f *PostgresFetcher) Fetch(ctx context.Context) (*Catalog, error) {
	rows, err := f.cfg.Pool.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = ANY($2)
		ORDER BY table_name, ordinal_position
	`, f.cfg.Schema, f.cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var cols []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.table, &r.name, &r.typ, &r.nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	cat := build(cols, f.cfg.Tables, time.Now().UTC())
	if f.cfg.SampleValues {
		enrich(ctx, f.log, cat, func(ctx context.Context, query string) ([]string, error) {
			rows, err := f.cfg.Pool.Query(ctx, query)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var out []string
			for rows.Next() {
				var v any
				if err := rows.Scan(&v); err != nil {
					return nil, err
				}
				if s := fmt.Sprint(v); v != nil && s != "" {
					out = append(out, s)
				}
			}
			return out, rows.Err()
		})
	}
	return cat, nil
}

type SQLFetcherConfig struct {
	Logger       *slog.Logger
	DB           *sql.DB
	Driver       string
	Tables       []string
	SampleValues bool
}

func (cfg *SQLFetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("db is required")
	}
	switch cfg.Driver {
	case querier.DriverSQLite, querier.DriverDuckDB, querier.DriverClickHouse:
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	cfg.Tables = normalizeTables(cfg.Tables)
	return nil
}

// SQLFetcher reads the catalog through database/sql. SQLite is introspected
// with pragma_table_info, DuckDB with information_schema and ClickHouse with
// system.columns.
type SQLFetcher struct {
	log *slog.Logger
	cfg SQLFetcherConfig
}

func NewSQLFetcher(cfg SQLFetcherConfig) (*SQLFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sql fetcher config: %w", err)
	}
	return &SQLFetcher{log: cfg.Logger, cfg: cfg}, nil
}

func (f *SQLFetcher) columnsQuery() string {
	switch f.cfg.Driver {
	case querier.DriverSQLite:
		return `
			SELECT m.name, p.name, p.type, p."notnull" = 0
			FROM sqlite_master m
			JOIN pragma_table_info(m.name) p
			WHERE m.type IN ('table', 'view')
			ORDER BY m.name, p.cid`
	case querier.DriverDuckDB:
		return `
			SELECT table_name, column_name, data_type, is_nullable = 'YES'
			FROM information_schema.columns
			WHERE table_schema = current_schema()
			ORDER BY table_name, ordinal_position`
	default:
		return `
			SELECT table, name, type, startsWith(type, 'Nullable(')
			FROM system.columns
			WHERE database = currentDatabase()
			ORDER BY table, position`
	}
}

func (f *SQLFetcher) Fetch(ctx context.Context) (*Catalog, error) {
	rows, err := f.cfg.DB.QueryContext(ctx, f.columnsQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var cols []columnRow
	for rows.Next() {
		var (
			r        columnRow
			nullable any
		)
		if err := rows.Scan(&r.table, &r.name, &r.typ, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		r.nullable = truthy(nullable)
		if r.typ == "" {
			r.typ = "ANY"
		}
		cols = append(cols, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	cat := build(cols, f.cfg.Tables, time.Now().UTC())
	if f.cfg.SampleValues {
		enrich(ctx, f.log, cat, func(ctx context.Context, query string) ([]string, error) {
			rows, err := f.cfg.DB.QueryContext(ctx, query)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var out []string
			for rows.Next() {
				var v sql.NullString
				if err := rows.Scan(&v); err != nil {
					return nil, err
				}
				if v.Valid && v.String != "" {
					out = append(out, v.String)
				}
			}
			return out, rows.Err()
		})
	}
	return cat, nil
}

// enrich attaches distinct values to low-cardinality text columns. Failures
// are logged and leave the column without samples.
func enrich(ctx context.Context, log *slog.Logger, cat *Catalog, distinct func(context.Context, string) ([]string, error)) {
	for ti := range cat.Tables {
		t := &cat.Tables[ti]
		for ci := range t.Columns {
			col := &t.Columns[ci]
			if !isCategoricalType(col.Type) || shouldSkipColumn(col.Name) {
				continue
			}
			query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL ORDER BY 1 LIMIT %d`,
				quoteIdent(col.Name), quoteIdent(t.Name), quoteIdent(col.Name), sampleProbe)
			samples, err := distinct(ctx, query)
			if err != nil {
				log.Debug("catalog: failed to sample column", "table", t.Name, "column", col.Name, "error", err)
				continue
			}
			if len(samples) > 0 && len(samples) <= maxSampleValues {
				col.SampleValues = samples
			}
		}
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int32:
		return b != 0
	case uint8:
		return b != 0
	case string:
		return b == "1" || strings.EqualFold(b, "true") || strings.EqualFold(b, "yes")
	case []byte:
		return truthy(string(b))
	}
	return false
}
