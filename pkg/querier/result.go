package querier

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Kind is the inferred logical type of a result column.
type Kind string

const (
	KindNumeric  Kind = "numeric"
	KindText     Kind = "text"
	KindTemporal Kind = "temporal"
	KindBoolean  Kind = "boolean"
	KindUnknown  Kind = "unknown"
)

// Categorical reports whether columns of this kind act as dimensions.
func (k Kind) Categorical() bool {
	return k == KindText || k == KindBoolean
}

// Column describes one result column.
type Column struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	DatabaseType string `json:"database_type,omitempty"`
}

// Row maps column names to values.
type Row map[string]any

// Result is the typed output of a query: uniformly shaped rows plus column
// metadata. A result with no rows is valid and distinct from a failure.
type Result struct {
	SQL       string        `json:"sql"`
	Columns   []Column      `json:"columns"`
	Rows      []Row         `json:"rows"`
	Count     int           `json:"count"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// ColumnNames returns column names in declaration order.
func (r *Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column.
func (r *Result) Column(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Values returns the values of one column in row order.
func (r *Result) Values(name string) []any {
	out := make([]any, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row[name]
	}
	return out
}

// Empty reports whether the query returned no rows.
func (r *Result) Empty() bool { return r.Count == 0 }

// Matrix returns rows as positional slices in column order.
func (r *Result) Matrix() [][]any {
	out := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		vals := make([]any, len(r.Columns))
		for j, c := range r.Columns {
			vals[j] = row[c.Name]
		}
		out[i] = vals
	}
	return out
}

// inferKinds fills in column kinds from the engine type name, falling back to
// the observed values when the engine reports no type (computed expressions).
func inferKinds(cols []Column, rows []Row) {
	for i := range cols {
		kind := kindFromDatabaseType(cols[i].DatabaseType)
		if kind == KindUnknown {
			kind = kindFromValues(cols[i].Name, rows)
		}
		cols[i].Kind = kind
	}
}

var (
	typeWrapperRe = regexp.MustCompile(`^(?i)(nullable|lowcardinality)\((.*)\)$`)
	// integerTypeRe matches integer type names across Postgres, SQLite, DuckDB
	// and ClickHouse: INT4, BIGINT, UINTEGER, HUGEINT, UInt64, BIGSERIAL.
	integerTypeRe = regexp.MustCompile(`^(U?(TINY|SMALL|MEDIUM|BIG|HUGE)?INT(EGER)?(2|4|8|16|32|64|128|256)?|(SMALL|BIG)?SERIAL[248]?|UNSIGNED BIG INT)$`)
)

func isIntegerType(t string) bool {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return integerTypeRe.MatchString(t)
}

func kindFromDatabaseType(dbType string) Kind {
	t := strings.TrimSpace(dbType)
	for {
		m := typeWrapperRe.FindStringSubmatch(t)
		if m == nil {
			break
		}
		t = m[2]
	}
	t = strings.ToUpper(t)
	switch {
	case t == "":
		return KindUnknown
	case strings.HasPrefix(t, "BOOL"):
		return KindBoolean
	case strings.Contains(t, "TIMESTAMP"), strings.HasPrefix(t, "DATE"), strings.HasPrefix(t, "TIME"), strings.HasPrefix(t, "INTERVAL"):
		return KindTemporal
	case isIntegerType(t), strings.HasPrefix(t, "NUMERIC"), strings.HasPrefix(t, "DECIMAL"),
		strings.HasPrefix(t, "REAL"), strings.HasPrefix(t, "FLOAT"), strings.HasPrefix(t, "DOUBLE"),
		strings.HasPrefix(t, "MONEY"), strings.HasPrefix(t, "NUMBER"):
		return KindNumeric
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "STRING"),
		strings.HasPrefix(t, "UUID"), strings.HasPrefix(t, "ENUM"), t == "NAME", t == "CLOB":
		return KindText
	}
	return KindUnknown
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

func kindFromValues(name string, rows []Row) Kind {
	kind := KindUnknown
	for _, row := range rows {
		v := row[name]
		if v == nil {
			continue
		}
		var k Kind
		switch val := v.(type) {
		case bool:
			k = KindBoolean
		case time.Time:
			k = KindTemporal
		case string:
			k = KindText
			for _, layout := range dateLayouts {
				if _, err := time.Parse(layout, val); err == nil {
					k = KindTemporal
					break
				}
			}
		default:
			if _, ok := Float(v); ok {
				k = KindNumeric
			} else {
				k = KindText
			}
		}
		if kind == KindUnknown {
			kind = k
		} else if kind != k {
			return KindText
		}
	}
	return kind
}

// Float converts a numeric value of any driver representation to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case *big.Int:
		if n == nil {
			return 0, false
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		return f.Float64, err == nil && f.Valid
	case interface{ Float64() (float64, bool) }:
		f, _ := n.Float64()
		return f, true
	case interface{ Float64() float64 }:
		return n.Float64(), true
	}
	return 0, false
}

// normalizeValue converts driver-specific values into plain Go values that
// encode cleanly to JSON.
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	case string, bool, time.Time, float64, int64:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case float32:
		return float64(val)
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, _ := Float(val)
		return f
	}
	if f, ok := Float(v); ok {
		return f
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem().Interface())
	}
	return v
}
