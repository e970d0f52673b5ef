package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
)

const insightSampleRows = 5

// Insights is the output of the summarizing stage.
type Insights struct {
	Items           []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
	// Dropped holds insights that cited numbers absent from the data.
	Dropped  []string `json:"dropped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Output   string   `json:"-"`
}

// Summarize asks the insight model for findings about res and keeps only
// the insights whose figures can be traced to the data. Model failures are
// retried InsightRetries times, each attempt with its own timeout.
func (p *Pipeline) Summarize(ctx context.Context, question string, res *querier.Result, report *analysis.Report) (*Insights, error) {
	userPrompt := buildInsightPrompt(question, res, report)
	attempts := 1 + p.cfg.InsightRetries

	var (
		lastOutput string
		lastErr    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := p.completeInsight(ctx, userPrompt)
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, Stage: StageSummarizing, Message: UserMessage(KindCanceled), Err: ctx.Err(), LastOutput: lastOutput}
		}
		if output != "" {
			lastOutput = output
		}
		if err != nil {
			lastErr = err
			p.log.Warn("pipeline: insight attempt failed", "attempt", attempt, "error", err)
			continue
		}

		items, recommendations := parseInsights(output)
		if len(items) == 0 && len(recommendations) == 0 {
			lastErr = fmt.Errorf("response had no INSIGHTS or RECOMMENDATIONS section")
			p.log.Warn("pipeline: insight attempt unparsable", "attempt", attempt)
			continue
		}

		out := &Insights{Items: []string{}, Recommendations: recommendations, Output: output}
		grounded := newGroundedSet(question, res, report)
		for _, item := range items {
			if cited, ok := grounded.check(item); !ok {
				p.log.Warn("pipeline: dropping ungrounded insight", "insight", item, "number", cited)
				out.Dropped = append(out.Dropped, item)
				continue
			}
			out.Items = append(out.Items, item)
		}
		if len(out.Items) == 0 && len(out.Dropped) > 0 {
			out.Warnings = append(out.Warnings, "all generated insights cited figures not present in the data and were dropped")
		}
		if out.Recommendations == nil {
			out.Recommendations = []string{}
		}
		return out, nil
	}

	return nil, &Error{
		Kind:       KindInsightFailed,
		Stage:      StageSummarizing,
		Message:    UserMessage(KindInsightFailed),
		Err:        fmt.Errorf("insights failed after %d attempts: %w", attempts, lastErr),
		LastOutput: lastOutput,
	}
}

func (p *Pipeline) completeInsight(ctx context.Context, userPrompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.InsightTimeout)
	defer cancel()

	output, err := p.cfg.InsightLLM.Complete(attemptCtx, p.cfg.Prompts.Insight, userPrompt, WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("LLM completion failed: %w", err)
	}
	return output, nil
}

func buildInsightPrompt(question string, res *querier.Result, report *analysis.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User Question: %s\n\n", strings.TrimSpace(question))

	sb.WriteString("Data Summary:\n")
	count := 0
	var columns []string
	if res != nil {
		count = res.Count
		columns = res.ColumnNames()
	}
	fmt.Fprintf(&sb, "Query returned %d rows.\n", count)
	if len(columns) > 0 {
		fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(columns, ", "))
	}
	if res != nil && res.Truncated {
		sb.WriteString("The result was truncated at the row limit.\n")
	}

	if metrics := formatMetrics(report); metrics != "" {
		sb.WriteString("\nKey Metrics:\n")
		sb.WriteString(metrics)
	}

	if res != nil && len(res.Rows) > 0 {
		n := min(len(res.Rows), insightSampleRows)
		fmt.Fprintf(&sb, "\nSample Data (first %d rows):\n", n)
		for i := range n {
			parts := make([]string, len(columns))
			for j, col := range columns {
				parts[j] = col + ": " + formatValueForLLM(res.Rows[i][col])
			}
			fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.Join(parts, ", "))
		}
	}

	sb.WriteString("\nProvide 3-5 insights and 2-3 recommendations in the required format.\n")
	return sb.String()
}

func formatMetrics(report *analysis.Report) string {
	if report == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range report.Columns {
		switch {
		case c.Numeric != nil:
			n := c.Numeric
			fmt.Fprintf(&sb, "- %s: total %s, mean %s, median %s, min %s, max %s\n", c.Name,
				formatValueForLLM(n.Sum), formatValueForLLM(n.Mean), formatValueForLLM(n.Median),
				formatValueForLLM(n.Min), formatValueForLLM(n.Max))
		case c.Text != nil && c.Text.Distinct > 0:
			fmt.Fprintf(&sb, "- %s: %d distinct values, most frequent %q (%d)\n", c.Name, c.Text.Distinct, c.Text.Top, c.Text.TopCount)
		}
		if c.NullCount > 0 {
			fmt.Fprintf(&sb, "- %s: %d null values\n", c.Name, c.NullCount)
		}
	}
	if report.DefaultRate != nil {
		fmt.Fprintf(&sb, "- default rate: %s%%\n", formatValueForLLM(*report.DefaultRate))
	}
	if report.DuplicateRows > 0 {
		fmt.Fprintf(&sb, "- duplicate rows: %d\n", report.DuplicateRows)
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(&sb, "- warning: %s\n", w)
	}
	return sb.String()
}

// parseInsights reads "-" bullets under the INSIGHTS: and RECOMMENDATIONS:
// headings.
func parseInsights(response string) (insights, recommendations []string) {
	var current *[]string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(strings.Trim(line, "#*: "))
		switch {
		case strings.HasPrefix(upper, "INSIGHTS"):
			current = &insights
			continue
		case strings.HasPrefix(upper, "RECOMMENDATIONS"):
			current = &recommendations
			continue
		}
		if current == nil {
			continue
		}
		if item, ok := bulletText(line); ok {
			*current = append(*current, item)
		}
	}
	return insights, recommendations
}

var numberedBullet = regexp.MustCompile(`^\d{1,2}[.)]\s+`)

func bulletText(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return cleanBullet(line[len(prefix):])
		}
	}
	if loc := numberedBullet.FindStringIndex(line); loc != nil {
		return cleanBullet(line[loc[1]:])
	}
	return "", false
}

func cleanBullet(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

// citedNumber matches figures as they appear in prose: optional currency,
// thousands separators, decimals and a percent or magnitude suffix. Single
// letter suffixes must be attached ("2.5k") so "1 B loan" stays a grade.
var citedNumber = regexp.MustCompile(`(?i)\$?(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?(\s*%|[kmb]\b|\s*(?:mm|bn|thousand|million|billion)\b)?`)

type cited struct {
	text  string
	value float64
	// tol is half a unit in the last cited digit.
	tol float64
}

func extractNumbers(s string) []cited {
	var out []cited
	for _, m := range citedNumber.FindAllStringSubmatch(s, -1) {
		digits := strings.ReplaceAll(m[1], ",", "") + m[2]
		v, err := strconv.ParseFloat(digits, 64)
		if err != nil {
			continue
		}
		decimals := 0
		if m[2] != "" {
			decimals = len(m[2]) - 1
		}
		tol := 0.5 * math.Pow10(-decimals)
		mult := 1.0
		switch strings.ToLower(strings.TrimSpace(m[3])) {
		case "k", "thousand":
			mult = 1e3
		case "m", "mm", "million":
			mult = 1e6
		case "b", "bn", "billion":
			mult = 1e9
		}
		out = append(out, cited{text: strings.TrimSpace(m[0]), value: v * mult, tol: tol * mult})
	}
	return out
}

// groundedSet holds every figure an insight may cite.
type groundedSet struct {
	values []float64
}

func newGroundedSet(question string, res *querier.Result, report *analysis.Report) *groundedSet {
	g := &groundedSet{}
	g.addText(question)
	if res != nil {
		g.values = append(g.values, float64(res.Count), float64(len(res.Columns)), float64(len(res.Rows)))
		for _, row := range res.Rows {
			for _, v := range row {
				g.addValue(v)
			}
		}
	}
	if report != nil {
		g.values = append(g.values, report.Numbers()...)
	}
	return g
}

func (g *groundedSet) addValue(v any) {
	switch val := v.(type) {
	case nil, bool:
	case string:
		g.addText(val)
	case time.Time:
		g.values = append(g.values, float64(val.Year()), float64(val.Month()), float64(val.Day()))
	default:
		if f, ok := querier.Float(v); ok {
			g.values = append(g.values, f)
			return
		}
		g.addText(fmt.Sprint(v))
	}
}

func (g *groundedSet) addText(s string) {
	for _, c := range extractNumbers(s) {
		g.values = append(g.values, c.value)
	}
}

// check returns the first cited figure in text that matches no grounded
// value, or ok when every figure is grounded. Signs are ignored and percent
// figures also match ratios.
func (g *groundedSet) check(text string) (string, bool) {
	for _, c := range extractNumbers(text) {
		if !g.contains(c) {
			return c.text, false
		}
	}
	return "", true
}

func (g *groundedSet) contains(c cited) bool {
	const eps = 1e-9
	for _, v := range g.values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v = math.Abs(v)
		if math.Abs(c.value-v) <= c.tol+eps || math.Abs(c.value-v*100) <= c.tol+eps {
			return true
		}
	}
	return false
}
