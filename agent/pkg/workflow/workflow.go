// Package workflow runs one question through the analytics state machine:
// cache check, SQL generation and validation, execution, analysis, chart
// selection and insights. Turns within a session run in arrival order.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const DefaultPersistTimeout = 5 * time.Second

var ErrEmptyQuestion = errors.New("question is required")

// CatalogSource supplies the schema catalog, typically a *catalog.Cached.
type CatalogSource interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
}

// Publisher receives every persisted turn.
type Publisher interface {
	Publish(ctx context.Context, turn session.Turn) error
}

// Replay is the downstream output of a completed turn, served again when
// the same question is asked in the same conversational position.
type Replay struct {
	SQL             string           `json:"sql"`
	Chart           *viz.Spec        `json:"chart,omitempty"`
	Insights        []string         `json:"insights"`
	Recommendations []string         `json:"recommendations"`
	Metrics         *analysis.Report `json:"metrics,omitempty"`
}

// Request is one question submitted to the workflow.
type Request struct {
	// RunID identifies the run and becomes the turn ID. Generated when nil.
	RunID     uuid.UUID
	SessionID uuid.UUID
	UserID    string
	Question  string
}

// Event reports a stage transition to a ProgressFunc.
type Event struct {
	RunID      uuid.UUID `json:"run_id"`
	SessionID  uuid.UUID `json:"session_id"`
	Stage      Stage     `json:"stage"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ProgressFunc is called synchronously, in state-machine order, as stages
// finish.
type ProgressFunc func(Event)

type Config struct {
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Catalog  CatalogSource
	Sessions session.Store
	// Locker orders turns within a session. Defaults to a new Locker.
	Locker *session.Locker
	// Cache is optional; without it every turn executes.
	Cache *querycache.Cache
	// Replays defaults to a replay index over Cache.
	Replays   *querycache.Replays[Replay]
	Publisher Publisher
	Clock     clockwork.Clock

	HistoryTurns   int
	PersistTimeout time.Duration
	Analysis       analysis.Options
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	if cfg.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if cfg.Sessions == nil {
		return fmt.Errorf("session store is required")
	}
	return nil
}

func (cfg *Config) setDefaults() {
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = session.DefaultHistoryTurns
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Analysis.RowCap <= 0 {
		cfg.Analysis.RowCap = cfg.Pipeline.RowCap()
	}
}

type stageFunc func(ctx context.Context, s State) Decision

type Workflow struct {
	log         *slog.Logger
	cfg         Config
	stages      map[Stage]stageFunc
	ownsReplays bool
}

func New(cfg Config) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate workflow config: %w", err)
	}
	cfg.setDefaults()

	w := &Workflow{log: cfg.Logger, cfg: cfg}
	if cfg.Replays == nil && cfg.Cache != nil {
		w.cfg.Replays = querycache.NewReplays[Replay](cfg.Cache)
		w.ownsReplays = true
	}
	w.stages = map[Stage]stageFunc{
		StageReceived:    w.received,
		StageCacheCheck:  w.cacheCheck,
		StageGenerating:  w.generating,
		StageValidating:  w.validating,
		StageExecuting:   w.executing,
		StageAnalyzing:   w.analyzing,
		StageVisualizing: w.visualizing,
		StageSummarizing: w.summarizing,
	}
	return w, nil
}

// Close stops the replay index when the workflow created it.
func (w *Workflow) Close() {
	if w.ownsReplays {
		w.cfg.Replays.Close()
	}
}

// Locker returns the per-session lock used to order turns.
func (w *Workflow) Locker() *session.Locker {
	return w.cfg.Locker
}

// Run answers one question. It always returns the turn when the workflow
// started, including on failure, where the turn carries the best partial
// output and a user-facing error message. The returned error is then the
// *pipeline.Error that ended the run.
func (w *Workflow) Run(ctx context.Context, req Request, progress ProgressFunc) (*session.Turn, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}
	if req.SessionID == uuid.Nil {
		req.SessionID = uuid.New()
	}
	if progress == nil {
		progress = func(Event) {}
	}

	metrics.WorkflowsInFlight.Inc()
	defer metrics.WorkflowsInFlight.Dec()

	unlock, err := w.cfg.Locker.Lock(ctx, req.SessionID)
	if err != nil {
		metrics.WorkflowsTotal.WithLabelValues(string(pipeline.KindCanceled)).Inc()
		return nil, &pipeline.Error{
			Kind:    pipeline.KindCanceled,
			Stage:   string(StageReceived),
			Message: pipeline.UserMessage(pipeline.KindCanceled),
			Err:     fmt.Errorf("waiting for session turn: %w", err),
		}
	}
	defer unlock()

	state := State{
		RunID:     req.RunID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Question:  question,
		StartedAt: w.cfg.Clock.Now().UTC(),
	}
	w.log.Info("workflow: run started", "run_id", state.RunID, "session_id", state.SessionID, "question", question)

	state = w.drive(ctx, state, progress)
	turn := w.finish(ctx, state)

	outcome := "completed"
	if state.Err != nil {
		outcome = string(state.Err.Kind)
	}
	metrics.WorkflowsTotal.WithLabelValues(outcome).Inc()

	if state.Err != nil {
		return turn, state.Err
	}
	return turn, nil
}

// drive interprets stage decisions until a terminal stage is reached.
func (w *Workflow) drive(ctx context.Context, state State, progress ProgressFunc) State {
	stage := StageReceived
	for !stage.Terminal() {
		var d Decision
		start := time.Now()
		if err := ctx.Err(); err != nil {
			d = fail(state, stageError(pipeline.KindCanceled, stage, err))
		} else {
			d = w.stages[stage](ctx, state)
		}
		duration := time.Since(start)

		rec := session.StageRecord{
			Stage:    string(stage),
			Duration: duration,
			OK:       d.Kind == Proceed || d.Kind == Skip,
			Note:     d.Reason,
		}
		switch d.Kind {
		case Skip:
			rec.Note = "skipped: " + d.Reason
		case Retry:
			rec.Error = d.Reason
			rec.Note = "retry: " + string(d.Next)
		case Fail:
			rec.Error = d.Err.Message
			rec.Note = ""
		}
		metrics.RecordStage(string(stage), rec.OK, duration)

		state = d.State.withRecord(rec)
		if d.Kind == Fail {
			state.Err = d.Err
			w.log.Warn("workflow: stage failed", "run_id", state.RunID, "stage", stage, "kind", d.Err.Kind, "error", d.Err.Err)
		} else {
			w.log.Debug("workflow: stage finished", "run_id", state.RunID, "stage", stage, "decision", d.Kind, "duration", duration)
		}

		progress(Event{
			RunID:      state.RunID,
			SessionID:  state.SessionID,
			Stage:      stage,
			Status:     d.Kind.String(),
			DurationMs: duration.Milliseconds(),
			Note:       rec.Note,
			Error:      rec.Error,
		})
		stage = d.next(stage)
	}

	final := session.StageRecord{Stage: string(stage), OK: true}
	status := Proceed.String()
	if state.Err != nil {
		final.OK = false
		final.Error = state.Err.Message
		status = Fail.String()
	}
	state = state.withRecord(final)
	progress(Event{
		RunID:     state.RunID,
		SessionID: state.SessionID,
		Stage:     stage,
		Status:    status,
		Error:     final.Error,
	})
	return state
}

func stageError(kind pipeline.ErrorKind, stage Stage, err error) *pipeline.Error {
	return &pipeline.Error{Kind: kind, Stage: string(stage), Message: pipeline.UserMessage(kind), Err: err}
}
