// Package viz picks a chart specification for a result set. The spec is
// independent of any renderer.
package viz

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNoChartApplicable means the result is better shown as a number or a
// table than as a chart.
var ErrNoChartApplicable = errors.New("no chart applicable")

// ErrInvalidSpec is returned by Validate.
var ErrInvalidSpec = errors.New("invalid chart spec")

type Kind string

const (
	KindBar         Kind = "bar"
	KindLine        Kind = "line"
	KindScatter     Kind = "scatter"
	KindHeatmap     Kind = "heatmap"
	KindSingleValue Kind = "single_value"
)

const (
	OrientationVertical   = "vertical"
	OrientationHorizontal = "horizontal"

	AggregationCount = "count"
	AggregationSum   = "sum"
	AggregationAvg   = "avg"
)

// Spec is a chart specification. Which fields apply depends on Kind.
type Spec struct {
	Kind        Kind     `json:"kind"`
	X           string   `json:"x,omitempty"`
	Y           []string `json:"y,omitempty"`
	Group       string   `json:"group,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`
	Orientation string   `json:"orientation,omitempty"`
	Title       string   `json:"title"`
}

//go:embed spec.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Validate checks the spec's shape and that its columns exist in res with
// kinds the chart can plot.
func (s Spec) Validate(res *querier.Result) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile chart schema: %w", err)
	}
	out, err := sch.Validate(gojsonschema.NewGoLoader(s))
	if err != nil {
		return fmt.Errorf("failed to validate chart spec: %w", err)
	}
	if !out.Valid() {
		msgs := make([]string, 0, len(out.Errors()))
		for _, e := range out.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(msgs, "; "))
	}
	if res == nil {
		return fmt.Errorf("%w: no result to plot", ErrInvalidSpec)
	}

	switch s.Kind {
	case KindBar:
		if err := requireKind(res, s.X, "x", categorical, temporal); err != nil {
			return err
		}
		if len(s.Y) == 0 && s.Aggregation != AggregationCount {
			return fmt.Errorf("%w: bar chart needs a y column or count aggregation", ErrInvalidSpec)
		}
		if err := requireNumeric(res, s.Y); err != nil {
			return err
		}
		if s.Group != "" {
			return requireKind(res, s.Group, "group", categorical)
		}
	case KindLine:
		if err := requireKind(res, s.X, "x", temporal, numeric); err != nil {
			return err
		}
		return requireNumeric(res, s.Y)
	case KindScatter:
		if err := requireKind(res, s.X, "x", numeric); err != nil {
			return err
		}
		for _, y := range s.Y {
			if y == s.X {
				return fmt.Errorf("%w: scatter plots %s against itself", ErrInvalidSpec, y)
			}
		}
		return requireNumeric(res, s.Y)
	case KindHeatmap:
		if err := requireKind(res, s.X, "x", categorical, temporal); err != nil {
			return err
		}
		if err := requireKind(res, s.Group, "group", categorical, temporal); err != nil {
			return err
		}
		if s.X == s.Group {
			return fmt.Errorf("%w: heatmap needs two distinct dimensions", ErrInvalidSpec)
		}
		return requireNumeric(res, s.Y)
	case KindSingleValue:
		if res.Count != 1 {
			return fmt.Errorf("%w: single value needs exactly one row, got %d", ErrInvalidSpec, res.Count)
		}
		return requireNumeric(res, s.Y)
	}
	return nil
}

type kindSet func(querier.Kind) bool

func numeric(k querier.Kind) bool     { return k == querier.KindNumeric }
func temporal(k querier.Kind) bool    { return k == querier.KindTemporal }
func categorical(k querier.Kind) bool { return k.Categorical() }

func requireKind(res *querier.Result, name, role string, allowed ...kindSet) error {
	col, ok := res.Column(name)
	if !ok {
		return fmt.Errorf("%w: %s column %q is not in the result", ErrInvalidSpec, role, name)
	}
	for _, a := range allowed {
		if a(col.Kind) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s column %q has kind %s", ErrInvalidSpec, role, name, col.Kind)
}

func requireNumeric(res *querier.Result, names []string) error {
	for _, n := range names {
		if err := requireKind(res, n, "y", numeric); err != nil {
			return err
		}
	}
	return nil
}
