// Package catalog describes the tables and columns the assistant may query.
// A Catalog is fetched from the datastore's metadata, filtered to an
// allow-list of tables, and cached until it expires or is invalidated.
package catalog

import (
	"context"
	"strings"
	"time"
)

// DefaultTables is the allow-list used when none is configured.
var DefaultTables = []string{"loans"}

type Column struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Nullable     bool     `json:"nullable"`
	Description  string   `json:"description,omitempty"`
	SampleValues []string `json:"sample_values,omitempty"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column looks a column up by name, case-insensitively.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

type Catalog struct {
	Tables    []Table   `json:"tables"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Table looks a table up by name, case-insensitively.
func (c *Catalog) Table(name string) (*Table, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Tables {
		if strings.EqualFold(c.Tables[i].Name, name) {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns the table names in catalog order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// Subset returns a catalog holding only the named tables.
func (c *Catalog) Subset(names ...string) *Catalog {
	out := &Catalog{FetchedAt: c.FetchedAt}
	for _, name := range names {
		if t, ok := c.Table(name); ok {
			out.Tables = append(out.Tables, *t)
		}
	}
	return out
}

// Format renders the catalog as the schema block given to the model.
func (c *Catalog) Format() string {
	var sb strings.Builder
	for i, t := range c.Tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t.Name + ":\n")
		for _, col := range t.Columns {
			sb.WriteString("  - " + col.Name + " (" + col.Type)
			if !col.Nullable {
				sb.WriteString(", not null")
			}
			sb.WriteString(")")
			if col.Description != "" {
				sb.WriteString(": " + col.Description)
			}
			if len(col.SampleValues) > 0 {
				sb.WriteString(" values: " + strings.Join(col.SampleValues, ", "))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Describe attaches descriptions keyed by "table.column" or bare column name.
func (c *Catalog) Describe(descriptions map[string]string) {
	for ti := range c.Tables {
		t := &c.Tables[ti]
		for ci := range t.Columns {
			col := &t.Columns[ci]
			if d, ok := descriptions[strings.ToLower(t.Name+"."+col.Name)]; ok {
				col.Description = d
			} else if d, ok := descriptions[strings.ToLower(col.Name)]; ok {
				col.Description = d
			}
		}
	}
}

// LoansDescriptions documents the columns of the loans dataset.
var LoansDescriptions = map[string]string{
	"loans.loan_amnt":      "loan amount in dollars",
	"loans.int_rate":       "interest rate as a percentage",
	"loans.grade":          "loan grade A-G",
	"loans.sub_grade":      "detailed grade like A1, B2",
	"loans.loan_status":    "Current, Fully Paid, Charged Off, Default, Late (31-120 days)",
	"loans.annual_inc":     "borrower's annual income",
	"loans.purpose":        "loan purpose like debt_consolidation, credit_card",
	"loans.addr_state":     "US state code",
	"loans.term":           "loan term, '36 months' or '60 months'",
	"loans.issue_d":        "loan issue date",
	"loans.dti":            "debt-to-income ratio",
	"loans.home_ownership": "RENT, OWN, MORTGAGE, etc.",
	"loans.emp_length":     "employment length",
}

// Fetcher reads a Catalog from a datastore.
type Fetcher interface {
	Fetch(ctx context.Context) (*Catalog, error)
}

type columnRow struct {
	table    string
	name     string
	typ      string
	nullable bool
}

// build groups column rows into tables, keeping only allowed tables. Tables
// keep the allow-list order; columns keep their ordinal order.
func build(rows []columnRow, allowed []string, now time.Time) *Catalog {
	byTable := make(map[string][]Column)
	for _, r := range rows {
		key := strings.ToLower(r.table)
		byTable[key] = append(byTable[key], Column{Name: r.name, Type: r.typ, Nullable: r.nullable})
	}
	cat := &Catalog{FetchedAt: now}
	seen := make(map[string]bool)
	for _, name := range allowed {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		if cols, ok := byTable[key]; ok {
			cat.Tables = append(cat.Tables, Table{Name: key, Columns: cols})
		}
	}
	return cat
}

func normalizeTables(tables []string) []string {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isCategoricalType(typ string) bool {
	t := strings.ToUpper(typ)
	return strings.Contains(t, "CHAR") || strings.Contains(t, "TEXT") || t == "STRING" || strings.HasPrefix(t, "LOWCARDINALITY(")
}

func shouldSkipColumn(name string) bool {
	name = strings.ToLower(name)
	for _, suffix := range []string{"_id", "_key", "_at", "_time", "_date", "_hash", "_desc", "_url"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	switch name {
	case "id", "uuid", "name", "description", "title", "comment", "emp_title":
		return true
	}
	return false
}
