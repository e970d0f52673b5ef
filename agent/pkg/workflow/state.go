package workflow

import (
	"slices"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
)

// Stage is a state of the question workflow.
type Stage string

const (
	StageReceived    Stage = "received"
	StageCacheCheck  Stage = "cache_check"
	StageGenerating  Stage = "generating"
	StageValidating  Stage = "validating"
	StageExecuting   Stage = "executing"
	StageAnalyzing   Stage = "analyzing"
	StageVisualizing Stage = "visualizing"
	StageSummarizing Stage = "summarizing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Terminal reports whether s ends the workflow.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// successors is the happy path through the state machine.
var successors = map[Stage]Stage{
	StageReceived:    StageCacheCheck,
	StageCacheCheck:  StageGenerating,
	StageGenerating:  StageValidating,
	StageValidating:  StageExecuting,
	StageExecuting:   StageAnalyzing,
	StageAnalyzing:   StageVisualizing,
	StageVisualizing: StageSummarizing,
	StageSummarizing: StageCompleted,
}

// State is the value threaded through the stages. Stages never mutate the
// State they are given; they return a modified copy inside their Decision.
type State struct {
	RunID     uuid.UUID
	SessionID uuid.UUID
	UserID    string
	Question  string
	StartedAt time.Time

	History     []pipeline.HistoryTurn
	Context     map[string]any
	QuestionKey string
	Catalog     *catalog.Catalog

	// Attempts counts generation attempts against the shared retry budget.
	Attempts    int
	Feedback    []pipeline.Feedback
	Proposal    pipeline.Proposal
	LastOutput  string
	SQL         string
	Explanation string

	Result      *querier.Result
	Fingerprint string
	FromCache   bool

	Report          *analysis.Report
	Chart           *viz.Spec
	Insights        []string
	Recommendations []string
	Dropped         []string
	Warnings        []string

	Stages []session.StageRecord
	Err    *pipeline.Error
}

// with returns a copy of s with fn applied. Slices appended to by fn must go
// through the helpers below so the original keeps its backing arrays.
func (s State) with(fn func(*State)) State {
	fn(&s)
	return s
}

func (s State) withFeedback(fb pipeline.Feedback) State {
	return s.with(func(n *State) {
		n.Feedback = append(slices.Clip(s.Feedback), fb)
	})
}

func (s State) withWarning(w string) State {
	return s.with(func(n *State) {
		n.Warnings = append(slices.Clip(s.Warnings), w)
	})
}

func (s State) withRecord(rec session.StageRecord) State {
	return s.with(func(n *State) {
		n.Stages = append(slices.Clip(s.Stages), rec)
	})
}

// DecisionKind tags a Decision.
type DecisionKind int

const (
	// Proceed moves to the next stage on the happy path, or to Next when set.
	Proceed DecisionKind = iota
	// Skip records the stage as skipped and moves on.
	Skip
	// Retry returns to an earlier stage, Next.
	Retry
	// Fail ends the workflow in the failed state.
	Fail
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "ok"
	case Skip:
		return "skipped"
	case Retry:
		return "retry"
	case Fail:
		return "failed"
	}
	return "unknown"
}

// Decision is what a stage returns: the new state and where to go next.
type Decision struct {
	Kind   DecisionKind
	State  State
	Next   Stage
	Reason string
	Err    *pipeline.Error
}

func proceed(s State) Decision { return Decision{Kind: Proceed, State: s} }

func proceedWith(s State, note string) Decision {
	return Decision{Kind: Proceed, State: s, Reason: note}
}

func skip(s State, reason string) Decision {
	return Decision{Kind: Skip, State: s, Reason: reason}
}

// jump proceeds directly to next, bypassing the stages in between.
func jump(s State, next Stage, note string) Decision {
	return Decision{Kind: Proceed, State: s, Next: next, Reason: note}
}

func retry(s State, next Stage, reason string) Decision {
	return Decision{Kind: Retry, State: s, Next: next, Reason: reason}
}

func fail(s State, err *pipeline.Error) Decision {
	return Decision{Kind: Fail, State: s, Err: err, Reason: err.Message}
}

// next resolves the stage that follows current under d.
func (d Decision) next(current Stage) Stage {
	if d.Kind == Fail {
		return StageFailed
	}
	if d.Next != "" {
		return d.Next
	}
	return successors[current]
}
