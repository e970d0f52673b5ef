package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/sqlguard"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
)

const (
	StageGenerating  = "generating"
	StageValidating  = "validating"
	StageExecuting   = "executing"
	StageSummarizing = "summarizing"
)

// HistoryTurn is a prior exchange in the session, given to the model so
// follow-up questions resolve against it.
type HistoryTurn struct {
	Question string
	SQL      string
}

// FeedbackSource says which check refused a statement.
type FeedbackSource string

const (
	FeedbackParse      FeedbackSource = "parse"
	FeedbackValidation FeedbackSource = "validation"
	FeedbackEngine     FeedbackSource = "engine"
)

// Feedback describes an earlier attempt that was refused.
type Feedback struct {
	Source FeedbackSource
	SQL    string
	Reason string
}

// GenerateInput is everything the generation stage sees.
type GenerateInput struct {
	Question string
	Catalog  *catalog.Catalog
	History  []HistoryTurn
	// Context holds accumulated session entities such as tables and columns.
	Context  map[string]any
	Feedback []Feedback
}

// Proposal is a parsed but unvalidated model answer.
type Proposal struct {
	SQL         string
	Explanation string
	Output      string
}

// Propose makes one generation attempt: a single LLM call, bounded by the
// per-attempt timeout, followed by parsing. The returned Proposal carries the
// raw output even when parsing fails.
func (p *Pipeline) Propose(ctx context.Context, in GenerateInput) (Proposal, error) {
	systemPrompt := buildGeneratePrompt(p.cfg.Prompts.Generate, in.Catalog)
	userPrompt := buildGenerateUserPrompt(in)

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	response, err := p.cfg.SQLLLM.Complete(attemptCtx, systemPrompt, userPrompt, WithCacheControl())
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, ctx.Err()
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Proposal{}, fmt.Errorf("LLM call timed out after %s: %w", p.cfg.LLMTimeout, err)
		}
		return Proposal{}, fmt.Errorf("LLM completion failed: %w", err)
	}

	sql, explanation, err := parseGenerateResponse(response)
	if err != nil {
		return Proposal{Output: response}, fmt.Errorf("failed to parse generate response: %w", err)
	}
	p.log.Debug("pipeline: sql proposed", "duration", time.Since(start), "sql", sql)
	return Proposal{SQL: sql, Explanation: explanation, Output: response}, nil
}

// ValidateSQL runs the guard over sql and returns the statement to execute.
// Failures are *sqlguard.Rejection.
func (p *Pipeline) ValidateSQL(cat *catalog.Catalog, sql string) (string, error) {
	return sqlguard.New(cat, p.cfg.RowCap).Validate(sql)
}

// RejectionReason renders a guard rejection for the model.
func RejectionReason(err error) string {
	var rej *sqlguard.Rejection
	if errors.As(err, &rej) {
		return rej.Detail
	}
	return err.Error()
}

// buildGeneratePrompt combines the static prompt with the catalog schema.
func buildGeneratePrompt(staticPrompt string, cat *catalog.Catalog) string {
	schema := ""
	if cat != nil {
		schema = cat.Format()
	}
	return staticPrompt + "\n\n## Database Schema\n\n```\n" + schema + "```"
}

func buildGenerateUserPrompt(in GenerateInput) string {
	var sb strings.Builder

	if len(in.History) > 0 {
		sb.WriteString("## Conversation So Far\n\n")
		for i, turn := range in.History {
			fmt.Fprintf(&sb, "%d. Question: %s\n", i+1, turn.Question)
			if turn.SQL != "" {
				fmt.Fprintf(&sb, "   SQL: %s\n", turn.SQL)
			}
		}
		sb.WriteString("\n")
	}

	if entities := formatEntities(in.Context); entities != "" {
		sb.WriteString("## Session Context\n\n")
		sb.WriteString(entities)
		sb.WriteString("\n")
	}

	sb.WriteString("## Question\n\n")
	sb.WriteString(strings.TrimSpace(in.Question))
	sb.WriteString("\n")

	for _, fb := range in.Feedback {
		sb.WriteString("\n## Previous Attempt Rejected\n\n")
		switch fb.Source {
		case FeedbackEngine:
			sb.WriteString("The database rejected the previous query.\n\n")
		case FeedbackParse:
			sb.WriteString("The previous response could not be used.\n\n")
		}
		if fb.SQL != "" {
			fmt.Fprintf(&sb, "Rejected SQL:\n%s\n\n", fb.SQL)
		}
		fmt.Fprintf(&sb, "Reason:\n%s\n", fb.Reason)
	}
	if len(in.Feedback) > 0 {
		sb.WriteString("\nGenerate a corrected SQL query that avoids these problems.\n")
	}
	return sb.String()
}

// formatEntities renders list-valued context entries such as tables and
// columns, one line per key.
func formatEntities(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		var items []string
		switch v := ctx[k].(type) {
		case []string:
			items = v
		case []any:
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
		default:
			continue
		}
		if len(items) > 0 {
			fmt.Fprintf(&sb, "- %s: %s\n", k, strings.Join(items, ", "))
		}
	}
	return sb.String()
}
