package workflow

import (
	"context"
	"slices"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/edumesones/executive-sql-to-text/pkg/sqllex"
)

// finish builds the turn from the final state and persists it. Persistence
// is detached from the caller's cancellation so a canceled turn is still
// recorded.
func (w *Workflow) finish(ctx context.Context, s State) *session.Turn {
	var duration time.Duration
	for _, rec := range s.Stages {
		duration += rec.Duration
	}
	turn := session.Turn{
		ID:              s.RunID,
		SessionID:       s.SessionID,
		Question:        s.Question,
		SQL:             s.SQL,
		Result:          s.Result,
		Chart:           s.Chart,
		Insights:        nonNil(s.Insights),
		Recommendations: nonNil(s.Recommendations),
		Metrics:         s.Report,
		Warnings:        s.Warnings,
		Duration:        duration,
		Stages:          s.Stages,
		FromCache:       s.FromCache,
		CreatedAt:       w.cfg.Clock.Now().UTC(),
	}
	if s.Err != nil {
		turn.Error = s.Err.Message
		if s.Err.Kind == pipeline.KindGenerationFailed {
			turn.SQL = ""
			turn.Result = nil
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
	defer cancel()

	if err := w.cfg.Sessions.AppendTurn(pctx, turn); err != nil {
		w.log.Error("workflow: failed to persist turn", "run_id", s.RunID, "session_id", s.SessionID, "error", err)
	}
	if err := w.cfg.Sessions.Touch(pctx, s.SessionID, w.contextDelta(pctx, s)); err != nil {
		w.log.Error("workflow: failed to update session context", "session_id", s.SessionID, "error", err)
	}

	if s.Err == nil && !s.FromCache && s.SQL != "" && w.cfg.Replays != nil {
		w.cfg.Replays.Remember(s.QuestionKey, s.Fingerprint, Replay{
			SQL:             s.SQL,
			Chart:           s.Chart,
			Insights:        turn.Insights,
			Recommendations: turn.Recommendations,
			Metrics:         s.Report,
		})
	}

	if w.cfg.Publisher != nil {
		if err := w.cfg.Publisher.Publish(pctx, turn); err != nil {
			w.log.Warn("workflow: failed to publish turn", "run_id", s.RunID, "error", err)
		}
	}

	if s.Err != nil {
		w.log.Info("workflow: run failed", "run_id", s.RunID, "kind", s.Err.Kind, "stage", s.Err.Stage, "duration", duration)
	} else {
		rows := 0
		if s.Result != nil {
			rows = s.Result.Count
		}
		w.log.Info("workflow: run completed", "run_id", s.RunID, "rows", rows, "from_cache", s.FromCache, "duration", duration)
	}
	return &turn
}

// contextDelta is merged into the session after the turn. Only answered
// turns move the conversation's last SQL and its accumulated entities.
func (w *Workflow) contextDelta(ctx context.Context, s State) map[string]any {
	delta := map[string]any{session.ContextLastQuestion: s.Question}
	if s.Err != nil || s.SQL == "" {
		return delta
	}
	delta[session.ContextLastSQL] = s.SQL

	cat := s.Catalog
	if cat == nil {
		var err error
		if cat, err = w.cfg.Catalog.Get(ctx); err != nil {
			return delta
		}
	}
	tables, columns := referencedEntities(s.SQL, cat)
	delta[session.ContextTables] = union(s.Context[session.ContextTables], tables)
	delta[session.ContextColumns] = union(s.Context[session.ContextColumns], columns)
	return delta
}

// referencedEntities returns the catalog tables and columns named in sql.
func referencedEntities(sql string, cat *catalog.Catalog) (tables, columns []string) {
	tokens, err := sqllex.Tokenize(sql)
	if err != nil {
		return nil, nil
	}
	for _, tok := range sqllex.Significant(tokens) {
		name := tok.Ident()
		if name == "" {
			continue
		}
		if t, ok := cat.Table(name); ok {
			tables = append(tables, t.Name)
			continue
		}
		for i := range cat.Tables {
			if col, ok := cat.Tables[i].Column(name); ok {
				columns = append(columns, col.Name)
				break
			}
		}
	}
	return tables, columns
}

// union merges add into a previously stored list, which may have come back
// from JSON as []any.
func union(prev any, add []string) []string {
	var out []string
	switch v := prev.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	out = append(out, add...)
	slices.Sort(out)
	return slices.Compact(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
