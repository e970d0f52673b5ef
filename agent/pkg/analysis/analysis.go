// Package analysis derives summary metrics and anomaly flags from a result
// set. Analyze does no I/O and is deterministic.
package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
)

const (
	DefaultSlowQuery       = 5 * time.Second
	DefaultNullDensityWarn = 0.5
)

type Flag string

const (
	FlagEmptyResult          Flag = "empty_result"
	FlagSingleRow            Flag = "single_row"
	FlagUnboundedCardinality Flag = "unbounded_cardinality"
)

// defaultStatuses are the loan_status values counted as defaults.
var defaultStatuses = map[string]bool{"Charged Off": true, "Default": true}

type Options struct {
	// RowCap is the execution row cap; reaching it suggests truncation.
	RowCap          int
	SlowQuery       time.Duration
	NullDensityWarn float64
}

func (o *Options) setDefaults() {
	if o.RowCap <= 0 {
		o.RowCap = querier.DefaultMaxRows
	}
	if o.SlowQuery <= 0 {
		o.SlowQuery = DefaultSlowQuery
	}
	if o.NullDensityWarn <= 0 {
		o.NullDensityWarn = DefaultNullDensityWarn
	}
}

type NumericStats struct {
	Count    int     `json:"count"`
	Sum      float64 `json:"sum"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	StdDev   float64 `json:"std_dev"`
	Q1       float64 `json:"q1"`
	Q3       float64 `json:"q3"`
	IQR      float64 `json:"iqr"`
	Outliers int     `json:"outliers"`
}

type TextStats struct {
	Distinct int    `json:"distinct"`
	Top      string `json:"top"`
	TopCount int    `json:"top_count"`
}

type ColumnReport struct {
	Name        string        `json:"name"`
	Kind        querier.Kind  `json:"kind"`
	NullCount   int           `json:"null_count"`
	NullDensity float64       `json:"null_density"`
	Numeric     *NumericStats `json:"numeric,omitempty"`
	Text        *TextStats    `json:"text,omitempty"`
}

type Report struct {
	RowCount      int            `json:"row_count"`
	ColumnCount   int            `json:"column_count"`
	Columns       []ColumnReport `json:"columns"`
	DuplicateRows int            `json:"duplicate_rows"`
	// DefaultRate is the percentage of rows whose loan_status is a default.
	DefaultRate *float64 `json:"default_rate,omitempty"`
	Flags       []Flag   `json:"flags"`
	Warnings    []string `json:"warnings"`
	// Degraded is set when some metrics could not be computed.
	Degraded bool `json:"degraded"`
}

// Has reports whether the report carries flag f.
func (r *Report) Has(f Flag) bool {
	for _, g := range r.Flags {
		if g == f {
			return true
		}
	}
	return false
}

// Column returns the report for the named column.
func (r *Report) Column(name string) (ColumnReport, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnReport{}, false
}

// Numbers lists every figure in the report, for grounding generated text.
func (r *Report) Numbers() []float64 {
	out := []float64{float64(r.RowCount), float64(r.ColumnCount), float64(r.DuplicateRows)}
	if r.DefaultRate != nil {
		out = append(out, *r.DefaultRate)
	}
	for _, c := range r.Columns {
		out = append(out, float64(c.NullCount), c.NullDensity*100)
		if n := c.Numeric; n != nil {
			out = append(out, float64(n.Count), n.Sum, n.Mean, n.Median, n.Min, n.Max, n.StdDev, n.Q1, n.Q3, n.IQR, float64(n.Outliers))
		}
		if t := c.Text; t != nil {
			out = append(out, float64(t.Distinct), float64(t.TopCount))
		}
	}
	return out
}

// Analyze summarizes res. A nil result yields a degraded, empty report.
func Analyze(res *querier.Result, opts Options) Report {
	opts.setDefaults()
	rep := Report{Flags: []Flag{}, Warnings: []string{}, Columns: []ColumnReport{}}
	if res == nil {
		rep.Degraded = true
		rep.Warnings = append(rep.Warnings, "no result to analyze")
		return rep
	}

	rep.RowCount = res.Count
	rep.ColumnCount = len(res.Columns)

	switch {
	case res.Count == 0:
		rep.Flags = append(rep.Flags, FlagEmptyResult)
		rep.Warnings = append(rep.Warnings, "query returned no results")
	case res.Count == 1:
		rep.Flags = append(rep.Flags, FlagSingleRow)
	}
	if res.Truncated || res.Count >= opts.RowCap {
		rep.Flags = append(rep.Flags, FlagUnboundedCardinality)
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("results truncated to %d rows; consider adding filters for more specific results", res.Count))
	}
	if res.Duration > opts.SlowQuery {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("query took %.1fs; consider narrowing it with filters", res.Duration.Seconds()))
	}

	for _, col := range res.Columns {
		cr, degraded := analyzeColumn(col, res.Values(col.Name))
		if degraded {
			rep.Degraded = true
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: non-numeric values in a numeric column were ignored", col.Name))
		}
		if res.Count > 0 && cr.NullDensity > opts.NullDensityWarn {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: %d null values (%.1f%%)", col.Name, cr.NullCount, cr.NullDensity*100))
		}
		rep.Columns = append(rep.Columns, cr)
	}

	rep.DuplicateRows = duplicates(res)
	if rep.DuplicateRows > 0 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d duplicate rows detected", rep.DuplicateRows))
	}
	rep.DefaultRate = defaultRate(res)
	return rep
}

func analyzeColumn(col querier.Column, values []any) (ColumnReport, bool) {
	cr := ColumnReport{Name: col.Name, Kind: col.Kind}
	var (
		nums     []float64
		degraded bool
		counts   = make(map[string]int)
	)
	for _, v := range values {
		if v == nil {
			cr.NullCount++
			continue
		}
		if col.Kind == querier.KindNumeric {
			f, ok := querier.Float(v)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				degraded = true
				continue
			}
			nums = append(nums, f)
			continue
		}
		counts[fmt.Sprint(v)]++
	}
	if len(values) > 0 {
		cr.NullDensity = float64(cr.NullCount) / float64(len(values))
	}
	if len(nums) > 0 {
		cr.Numeric = numericStats(nums)
	}
	if len(counts) > 0 {
		cr.Text = textStats(counts)
	}
	return cr, degraded
}

func numericStats(values []float64) *NumericStats {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	s := &NumericStats{Count: n, Min: sorted[0], Max: sorted[n-1]}
	for _, v := range sorted {
		s.Sum += v
	}
	s.Mean = s.Sum / float64(n)
	s.Median = median(sorted)
	if n > 1 {
		var ss float64
		for _, v := range sorted {
			d := v - s.Mean
			ss += d * d
		}
		s.StdDev = math.Sqrt(ss / float64(n-1))
	}
	if n >= 2 {
		s.Q1, s.Q3 = quartiles(sorted)
		s.IQR = s.Q3 - s.Q1
	} else {
		s.Q1, s.Q3 = sorted[0], sorted[0]
	}
	if n >= 4 {
		lo, hi := s.Q1-1.5*s.IQR, s.Q3+1.5*s.IQR
		for _, v := range sorted {
			if v < lo || v > hi {
				s.Outliers++
			}
		}
	}
	return s
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// quartiles uses the exclusive method: 1-based positions i*(n+1)/4,
// interpolated between neighbours. Positions outside [1, n] take the edge
// value, so Min <= Q1 <= Q3 <= Max. sorted must hold at least two values.
func quartiles(sorted []float64) (float64, float64) {
	n := len(sorted)
	m := n + 1
	at := func(i int) float64 {
		j := i * m / 4
		switch {
		case j < 1:
			return sorted[0]
		case j >= n:
			return sorted[n-1]
		}
		delta := i*m - j*4
		return (sorted[j-1]*float64(4-delta) + sorted[j]*float64(delta)) / 4
	}
	return at(1), at(3)
}

func textStats(counts map[string]int) *TextStats {
	ts := &TextStats{Distinct: len(counts)}
	for v, c := range counts {
		if c > ts.TopCount || (c == ts.TopCount && v < ts.Top) {
			ts.Top, ts.TopCount = v, c
		}
	}
	return ts
}

func duplicates(res *querier.Result) int {
	seen := make(map[string]bool, len(res.Rows))
	dups := 0
	for _, row := range res.Matrix() {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = fmt.Sprintf("%T:%v", v, v)
		}
		key := strings.Join(parts, "\x1f")
		if seen[key] {
			dups++
			continue
		}
		seen[key] = true
	}
	return dups
}

func defaultRate(res *querier.Result) *float64 {
	if _, ok := res.Column("loan_status"); !ok || res.Count == 0 {
		return nil
	}
	matching := 0
	for _, v := range res.Values("loan_status") {
		if s, ok := v.(string); ok && defaultStatuses[s] {
			matching++
		}
	}
	rate := math.Round(float64(matching)/float64(res.Count)*10000) / 100
	return &rate
}
