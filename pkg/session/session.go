// Package session stores conversational sessions and their append-only turn
// log, and orders turns within a session.
package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/google/uuid"
)

const DefaultHistoryTurns = 5

var ErrNotFound = errors.New("session not found")

// Context keys merged into a session after each turn.
const (
	ContextLastSQL      = "last_sql"
	ContextLastQuestion = "last_question"
	ContextTables       = "tables"
	ContextColumns      = "columns"
)

type Session struct {
	ID             uuid.UUID      `json:"id"`
	UserID         string         `json:"user_id,omitempty"`
	Context        map[string]any `json:"context"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Active         bool           `json:"active"`
}

// StageRecord is one entry of a turn's audit trail.
type StageRecord struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Note     string        `json:"note,omitempty"`
}

// Turn is one question and its outcome. Turns are never modified once
// appended.
type Turn struct {
	ID              uuid.UUID        `json:"id"`
	SessionID       uuid.UUID        `json:"session_id"`
	Question        string           `json:"question"`
	SQL             string           `json:"sql,omitempty"`
	Result          *querier.Result  `json:"result,omitempty"`
	Chart           *viz.Spec        `json:"chart,omitempty"`
	Insights        []string         `json:"insights"`
	Recommendations []string         `json:"recommendations"`
	Metrics         *analysis.Report `json:"metrics,omitempty"`
	// Warnings are not persisted.
	Warnings        []string         `json:"warnings,omitempty"`
	Duration        time.Duration    `json:"duration"`
	Error           string           `json:"error,omitempty"`
	Stages          []StageRecord    `json:"stages"`
	FromCache       bool             `json:"from_cache"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Store persists sessions and turns. Implementations are safe for
// concurrent use.
type Store interface {
	// Ensure returns the session with id, creating it when missing.
	Ensure(ctx context.Context, id uuid.UUID, userID string) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// Touch merges delta into the session context and bumps its activity.
	Touch(ctx context.Context, id uuid.UUID, delta map[string]any) error
	AppendTurn(ctx context.Context, turn Turn) error
	// History returns up to limit of the most recent turns, oldest first.
	History(ctx context.Context, id uuid.UUID, limit int) ([]Turn, error)
	Ping(ctx context.Context) error
}

func mergeContext(dst, delta map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(delta))
	maps.Copy(out, dst)
	maps.Copy(out, delta)
	return out
}
