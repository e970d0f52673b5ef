package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
)

const maxFeedbackOutput = 500

// received loads the session and its recent history. A store outage is not
// fatal: the turn runs without conversational memory.
func (w *Workflow) received(ctx context.Context, s State) Decision {
	sess, err := w.cfg.Sessions.Ensure(ctx, s.SessionID, s.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return fail(s, stageError(pipeline.KindCanceled, StageReceived, ctx.Err()))
		}
		w.log.Warn("workflow: session store unavailable, continuing without history", "session_id", s.SessionID, "error", err)
		next := s.with(func(n *State) { n.QuestionKey = querycache.QuestionKey(s.Question, "") })
		return proceedWith(next, "session store unavailable")
	}

	turns, err := w.cfg.Sessions.History(ctx, s.SessionID, w.cfg.HistoryTurns)
	if err != nil {
		if ctx.Err() != nil {
			return fail(s, stageError(pipeline.KindCanceled, StageReceived, ctx.Err()))
		}
		w.log.Warn("workflow: failed to load session history", "session_id", s.SessionID, "error", err)
	}
	history := make([]pipeline.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		if t.SQL == "" {
			continue
		}
		history = append(history, pipeline.HistoryTurn{Question: t.Question, SQL: t.SQL})
	}

	lastSQL, _ := sess.Context[session.ContextLastSQL].(string)
	next := s.with(func(n *State) {
		n.History = history
		n.Context = sess.Context
		n.QuestionKey = querycache.QuestionKey(s.Question, lastSQL)
	})
	return proceedWith(next, fmt.Sprintf("%d prior turns", len(history)))
}

// cacheCheck replays a previous answer to the same question asked in the
// same conversational position, as long as its result is still cached.
func (w *Workflow) cacheCheck(ctx context.Context, s State) Decision {
	if w.cfg.Replays == nil {
		return skip(s, "cache disabled")
	}
	rp, entry, ok := w.cfg.Replays.Get(s.QuestionKey)
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues("replay", "miss").Inc()
		return proceedWith(s, "miss")
	}
	metrics.CacheLookupsTotal.WithLabelValues("replay", "hit").Inc()

	next := s.with(func(n *State) {
		n.SQL = rp.SQL
		n.Result = entry.Result
		n.Fingerprint = entry.Fingerprint
		n.FromCache = true
		n.Chart = rp.Chart
		n.Insights = rp.Insights
		n.Recommendations = rp.Recommendations
		n.Report = rp.Metrics
	})
	w.log.Info("workflow: replaying cached answer", "run_id", s.RunID, "fingerprint", entry.Fingerprint, "access_count", entry.AccessCount)
	return jump(next, StageCompleted, "hit")
}

// generating makes one attempt against the shared generation budget.
func (w *Workflow) generating(ctx context.Context, s State) Decision {
	if s.Catalog == nil {
		cat, err := w.cfg.Catalog.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fail(s, stageError(pipeline.KindCanceled, StageGenerating, ctx.Err()))
			}
			return fail(s, stageError(pipeline.KindExecutionConnectionError, StageGenerating, fmt.Errorf("failed to load schema catalog: %w", err)))
		}
		s = s.with(func(n *State) { n.Catalog = cat })
	}

	proposal, err := w.cfg.Pipeline.Propose(ctx, pipeline.GenerateInput{
		Question: s.Question,
		Catalog:  s.Catalog,
		History:  s.History,
		Context:  s.Context,
		Feedback: s.Feedback,
	})
	next := s.with(func(n *State) {
		n.Attempts = s.Attempts + 1
		n.Proposal = proposal
		if proposal.Output != "" {
			n.LastOutput = proposal.Output
		}
	})
	if ctx.Err() != nil {
		pe := stageError(pipeline.KindCanceled, StageGenerating, ctx.Err())
		pe.LastOutput = next.LastOutput
		return fail(next, pe)
	}
	if err != nil {
		w.log.Warn("workflow: generation attempt failed", "run_id", s.RunID, "attempt", next.Attempts, "error", err)
		var fb *pipeline.Feedback
		if proposal.Output != "" {
			fb = &pipeline.Feedback{
				Source: pipeline.FeedbackParse,
				SQL:    truncate(proposal.Output, maxFeedbackOutput),
				Reason: "The response did not contain a usable SQL query.",
			}
		}
		return w.regenerate(next, fb, err)
	}
	return proceedWith(next, fmt.Sprintf("attempt %d", next.Attempts))
}

func (w *Workflow) validating(ctx context.Context, s State) Decision {
	sql, err := w.cfg.Pipeline.ValidateSQL(s.Catalog, s.Proposal.SQL)
	if err != nil {
		reason := pipeline.RejectionReason(err)
		w.log.Warn("workflow: generated sql rejected", "run_id", s.RunID, "sql", s.Proposal.SQL, "reason", reason)
		return w.regenerate(s, &pipeline.Feedback{Source: pipeline.FeedbackValidation, SQL: s.Proposal.SQL, Reason: reason}, err)
	}
	next := s.with(func(n *State) {
		n.SQL = sql
		n.Explanation = s.Proposal.Explanation
	})
	return proceed(next)
}

// regenerate sends the workflow back to generation with fb, or fails it
// when the generation budget is spent.
func (w *Workflow) regenerate(s State, fb *pipeline.Feedback, cause error) Decision {
	reason := cause.Error()
	if fb != nil {
		s = s.withFeedback(*fb)
		reason = fb.Reason
	}
	if s.Attempts >= w.cfg.Pipeline.MaxRetries() {
		return fail(s, &pipeline.Error{
			Kind:       pipeline.KindGenerationFailed,
			Stage:      string(StageGenerating),
			Message:    pipeline.UserMessage(pipeline.KindGenerationFailed),
			Err:        fmt.Errorf("no executable SQL after %d attempts: %w", s.Attempts, cause),
			LastOutput: s.LastOutput,
		})
	}
	return retry(s, StageGenerating, reason)
}

// executing runs the validated SQL through the result cache. An engine
// rejection goes back to generation with the engine's message.
func (w *Workflow) executing(ctx context.Context, s State) Decision {
	compute := func(ctx context.Context) (*querier.Result, error) {
		return w.cfg.Pipeline.Execute(ctx, s.SQL)
	}

	var (
		res     *querier.Result
		outcome = querycache.OutcomeMiss
		err     error
	)
	if w.cfg.Cache != nil {
		res, outcome, err = w.cfg.Cache.Do(ctx, s.SQL, compute)
	} else {
		res, err = compute(ctx)
	}
	if err != nil {
		pe, ok := pipeline.AsError(err)
		if !ok {
			if ctx.Err() != nil {
				return fail(s, stageError(pipeline.KindCanceled, StageExecuting, ctx.Err()))
			}
			pe = stageError(pipeline.KindExecutionEngineRejected, StageExecuting, err)
		}
		if pe.Kind == pipeline.KindExecutionEngineRejected {
			// The rejected statement lives on only as feedback.
			cleared := s.with(func(n *State) {
				n.SQL = ""
				n.Explanation = ""
				n.Result = nil
				n.Fingerprint = ""
			})
			return w.regenerate(cleared, &pipeline.Feedback{
				Source: pipeline.FeedbackEngine,
				SQL:    s.SQL,
				Reason: pipeline.EngineMessage(err),
			}, err)
		}
		return fail(s, pe)
	}

	next := s.with(func(n *State) {
		n.Result = res
		n.Fingerprint = querycache.Fingerprint(s.SQL)
		n.FromCache = outcome == querycache.OutcomeHit
	})
	return proceedWith(next, fmt.Sprintf("%d rows, cache %s", res.Count, outcome))
}

func (w *Workflow) analyzing(ctx context.Context, s State) Decision {
	report := analysis.Analyze(s.Result, w.cfg.Analysis)
	next := s.with(func(n *State) { n.Report = &report })
	if report.Degraded {
		w.log.Warn("workflow: analysis degraded", "run_id", s.RunID, "warnings", report.Warnings)
		return proceedWith(next.withWarning(pipeline.UserMessage(pipeline.KindAnalysisDegraded)), string(pipeline.KindAnalysisDegraded))
	}
	return proceed(next)
}

func (w *Workflow) visualizing(ctx context.Context, s State) Decision {
	spec, err := viz.Select(s.Result, s.Question)
	if errors.Is(err, viz.ErrNoChartApplicable) {
		return skip(s, "no chart applicable")
	}
	if err != nil {
		w.log.Warn("workflow: chart selection failed", "run_id", s.RunID, "error", err)
		return skip(s, "chart rejected")
	}
	next := s.with(func(n *State) { n.Chart = &spec })
	return proceedWith(next, string(spec.Kind))
}

func (w *Workflow) summarizing(ctx context.Context, s State) Decision {
	if s.Result == nil || s.Result.Count == 0 {
		return skip(s, "no rows to summarize")
	}
	out, err := w.cfg.Pipeline.Summarize(ctx, s.Question, s.Result, s.Report)
	if err != nil {
		pe, ok := pipeline.AsError(err)
		if !ok {
			pe = stageError(pipeline.KindInsightFailed, StageSummarizing, err)
		}
		return fail(s, pe)
	}
	next := s.with(func(n *State) {
		n.Insights = out.Items
		n.Recommendations = out.Recommendations
		n.Dropped = out.Dropped
		n.Warnings = append(slices.Clip(s.Warnings), out.Warnings...)
	})
	return proceedWith(next, fmt.Sprintf("%d insights, %d dropped", len(out.Items), len(out.Dropped)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
