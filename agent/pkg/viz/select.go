package viz

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
)

const (
	// MaxTitleLength bounds chart titles, in runes.
	MaxTitleLength = 60
	// HorizontalBarRows is the row count above which bars are horizontal.
	HorizontalBarRows = 10

	defaultTitle = "Data Analysis"
)

var (
	trendWords        = []string{"trend", "over time", "monthly", "daily", "weekly", "quarterly", "yearly", "per month", "per year"}
	distributionWords = []string{"distribution", "breakdown", "histogram", "spread"}
)

type intent struct {
	trend        bool
	distribution bool
}

func intentOf(question string) intent {
	q := strings.ToLower(question)
	var in intent
	for _, w := range trendWords {
		if strings.Contains(q, w) {
			in.trend = true
		}
	}
	for _, w := range distributionWords {
		if strings.Contains(q, w) {
			in.distribution = true
		}
	}
	return in
}

// columns groups result columns by role, in result order.
type columns struct {
	numeric, temporal, categorical []string
}

func classify(res *querier.Result) columns {
	var c columns
	for _, col := range res.Columns {
		switch {
		case col.Kind == querier.KindNumeric:
			c.numeric = append(c.numeric, col.Name)
		case col.Kind == querier.KindTemporal:
			c.temporal = append(c.temporal, col.Name)
		case col.Kind.Categorical():
			c.categorical = append(c.categorical, col.Name)
		}
	}
	return c
}

// Select picks a chart for res. It returns ErrNoChartApplicable for empty
// results, single headline numbers and shapes no chart fits.
func Select(res *querier.Result, question string) (Spec, error) {
	if res == nil || res.Count == 0 {
		return Spec{}, ErrNoChartApplicable
	}
	cols := classify(res)
	in := intentOf(question)
	title := Title(question)

	var spec Spec
	switch {
	case res.Count == 1 && len(cols.numeric) == 1:
		return Spec{}, ErrNoChartApplicable
	case len(cols.temporal) == 1 && len(cols.numeric) == 1:
		spec = Spec{Kind: KindLine, X: cols.temporal[0], Y: cols.numeric}
	case len(cols.categorical) == 1 && len(cols.numeric) == 1:
		spec = bar(res, cols.categorical[0], cols.numeric)
	case len(cols.numeric) == 2 && len(cols.categorical) == 0:
		spec = Spec{Kind: KindScatter, X: cols.numeric[0], Y: cols.numeric[1:]}
	case len(cols.categorical) == 2 && len(cols.numeric) == 1:
		spec = Spec{Kind: KindHeatmap, X: cols.categorical[0], Group: cols.categorical[1], Y: cols.numeric}
	default:
		var ok bool
		if spec, ok = fallback(res, cols, in); !ok {
			return Spec{}, ErrNoChartApplicable
		}
	}
	spec.Title = title
	if err := spec.Validate(res); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func fallback(res *querier.Result, cols columns, in intent) (Spec, bool) {
	switch {
	case in.trend && len(cols.temporal) > 0 && len(cols.numeric) > 0:
		return Spec{Kind: KindLine, X: cols.temporal[0], Y: cols.numeric}, true
	case len(cols.categorical) > 0 && len(cols.numeric) > 0:
		spec := bar(res, cols.categorical[0], cols.numeric[:1])
		if in.distribution {
			spec.Aggregation = AggregationCount
		}
		return spec, true
	}
	return Spec{}, false
}

func bar(res *querier.Result, x string, y []string) Spec {
	orientation := OrientationVertical
	if res.Count > HorizontalBarRows {
		orientation = OrientationHorizontal
	}
	return Spec{Kind: KindBar, X: x, Y: y, Orientation: orientation}
}

// Title derives a chart title from the question: first letter upper-cased,
// cut to MaxTitleLength runes with an ellipsis.
func Title(question string) string {
	q := strings.Join(strings.Fields(question), " ")
	if q == "" {
		return defaultTitle
	}
	r, size := utf8.DecodeRuneInString(q)
	q = string(unicode.ToUpper(r)) + q[size:]
	if utf8.RuneCountInString(q) <= MaxTitleLength {
		return q
	}
	runes := []rune(q)
	return strings.TrimRightFunc(string(runes[:MaxTitleLength-3]), unicode.IsSpace) + "..."
}
