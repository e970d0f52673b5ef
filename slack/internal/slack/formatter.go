package slack

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/olekukonko/tablewriter"
	"github.com/slack-go/slack"
)

const (
	// previewRows bounds the rows rendered into the result table.
	previewRows = 10
	// maxSectionText is Slack's limit for a section block's text.
	maxSectionText = 3000
)

var stageLabels = map[workflow.Stage]string{
	workflow.StageReceived:    "Reading your question",
	workflow.StageCacheCheck:  "Checking recent answers",
	workflow.StageGenerating:  "Writing SQL",
	workflow.StageValidating:  "Checking the SQL",
	workflow.StageExecuting:   "Running the query",
	workflow.StageAnalyzing:   "Computing metrics",
	workflow.StageVisualizing: "Choosing a chart",
	workflow.StageSummarizing: "Writing insights",
}

// ProgressText renders the placeholder shown while a question runs, one
// line per finished stage.
func ProgressText(done []workflow.Stage) string {
	var b strings.Builder
	for _, stage := range done {
		label, ok := stageLabels[stage]
		if !ok {
			continue
		}
		b.WriteString(":white_check_mark: ")
		b.WriteString(label)
		b.WriteByte('\n')
	}
	b.WriteString(":hourglass_flowing_sand: Working...")
	return b.String()
}

// FormatAnswer renders an answer as Block Kit blocks plus a plain-text
// fallback for notifications.
func FormatAnswer(ans *Answer) ([]slack.Block, string) {
	var blocks []slack.Block
	fallback := "Here is what I found."

	if len(ans.Insights) > 0 {
		blocks = append(blocks, section(bulletList(ans.Insights)))
		fallback = ans.Insights[0]
	}

	if len(ans.Columns) > 0 {
		blocks = append(blocks, section("```\n"+renderTable(ans)+"```"))
		blocks = append(blocks, contextBlock(rowSummary(ans)))
	} else if ans.SQL != nil && len(ans.Insights) == 0 {
		blocks = append(blocks, section("The query returned no rows."))
		fallback = "The query returned no rows."
	}

	if ans.Chart != nil {
		title := ans.Chart.Title
		if title == "" {
			title = "untitled"
		}
		blocks = append(blocks, contextBlock(fmt.Sprintf(":bar_chart: Suggested chart: %s, _%s_", ans.Chart.Kind, title)))
	}

	if len(ans.Recommendations) > 0 {
		blocks = append(blocks, section("*Recommendations*\n"+bulletList(ans.Recommendations)))
	}
	if len(ans.Warnings) > 0 {
		blocks = append(blocks, contextBlock(":warning: "+strings.Join(ans.Warnings, " ")))
	}

	if ans.SQL != nil && *ans.SQL != "" {
		blocks = append(blocks, slack.NewDividerBlock())
		blocks = append(blocks, section("*SQL*\n```\n"+*ans.SQL+"\n```"))
	}

	meta := fmt.Sprintf("%.1fs", float64(ans.DurationMs)/1000)
	if ans.FromCache {
		meta += " · served from cache"
	}
	blocks = append(blocks, contextBlock(meta))

	return blocks, fallback
}

// FormatError renders a failure message.
func FormatError(msg string) ([]slack.Block, string) {
	text := ":x: " + msg
	return []slack.Block{section(text)}, msg
}

func section(text string) *slack.SectionBlock {
	if len(text) > maxSectionText {
		text = truncateBlockText(text)
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func contextBlock(text string) *slack.ContextBlock {
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

// truncateBlockText shortens text to fit a section, closing an open code fence.
func truncateBlockText(text string) string {
	cut := text[:maxSectionText-8]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i+1]
	}
	if strings.Count(cut, "```")%2 == 1 {
		return cut + "…\n```"
	}
	return cut + "…"
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(item)
	}
	return b.String()
}

func renderTable(ans *Answer) string {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderLine(true)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")

	header := make([]string, len(ans.Columns))
	for i, col := range ans.Columns {
		header[i] = col.Name
	}
	table.SetHeader(header)
	for i, row := range ans.Rows {
		if i == previewRows {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatCell(v)
		}
		table.Append(cells)
	}
	table.Render()
	return b.String()
}

func rowSummary(ans *Answer) string {
	shown := min(len(ans.Rows), previewRows)
	switch {
	case ans.RowCount == 1:
		return "1 row"
	case shown < ans.RowCount:
		s := fmt.Sprintf("%d of %d rows", shown, ans.RowCount)
		if ans.Truncated {
			s += " (result truncated)"
		}
		return s
	default:
		return fmt.Sprintf("%d rows", ans.RowCount)
	}
}

// formatCell renders JSON-decoded values. Numbers arrive as float64.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(math.Round(val*100)/100, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// SanitizeErrorMessage converts raw client errors to messages fit for a channel.
func SanitizeErrorMessage(errMsg string) string {
	switch {
	case strings.Contains(errMsg, "status 429"), strings.Contains(errMsg, "status 503"):
		return "The analytics service is busy. Please try again in a moment."
	case strings.Contains(errMsg, "connection refused"),
		strings.Contains(errMsg, "connection reset"),
		strings.Contains(errMsg, "EOF"),
		strings.Contains(errMsg, "end of stream"),
		strings.Contains(errMsg, "broken pipe"):
		return "I'm having trouble reaching the analytics service. Please try again in a moment."
	case strings.Contains(errMsg, "context deadline exceeded"), strings.Contains(errMsg, "Client.Timeout"):
		return "That question took too long to answer. Try narrowing it down."
	}

	if msg, ok := strings.CutPrefix(errMsg, "API error: "); ok {
		if i := strings.Index(msg, " (status "); i >= 0 {
			msg = msg[:i]
		}
		if msg != "" {
			return msg
		}
	}
	return "Sorry, I encountered an error. Please try again."
}
