package handlers

import (
	"math"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
)

// QueryResponse is the full answer to one question.
type QueryResponse struct {
	SessionID       uuid.UUID        `json:"session_id"`
	TurnID          uuid.UUID        `json:"turn_id"`
	Question        string           `json:"question"`
	SQL             *string          `json:"sql"`
	Columns         []querier.Column `json:"columns"`
	Rows            [][]any          `json:"rows"`
	RowCount        int              `json:"row_count"`
	Truncated       bool             `json:"truncated"`
	Chart           *viz.Spec        `json:"chart"`
	Insights        []string         `json:"insights"`
	Recommendations []string         `json:"recommendations"`
	Metrics         *analysis.Report `json:"metrics"`
	Warnings        []string         `json:"warnings,omitempty"`
	DurationMs      int64            `json:"duration_ms"`
	FromCache       bool             `json:"from_cache"`
	Error           *string          `json:"error"`
	Stages          []StageResponse  `json:"stages"`
	CreatedAt       string           `json:"created_at"`
}

type StageResponse struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Note       string `json:"note,omitempty"`
}

// NewQueryResponse converts a turn for the wire. Rows are positional in
// column order and non-finite numbers become null.
func NewQueryResponse(turn *session.Turn) QueryResponse {
	resp := QueryResponse{
		SessionID:       turn.SessionID,
		TurnID:          turn.ID,
		Question:        turn.Question,
		Columns:         []querier.Column{},
		Rows:            [][]any{},
		Chart:           turn.Chart,
		Insights:        nonNilStrings(turn.Insights),
		Recommendations: nonNilStrings(turn.Recommendations),
		Metrics:         turn.Metrics,
		Warnings:        turn.Warnings,
		DurationMs:      turn.Duration.Milliseconds(),
		FromCache:       turn.FromCache,
		Stages:          make([]StageResponse, 0, len(turn.Stages)),
		CreatedAt:       turn.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if turn.SQL != "" {
		sql := turn.SQL
		resp.SQL = &sql
	}
	if turn.Error != "" {
		msg := turn.Error
		resp.Error = &msg
	}
	if res := turn.Result; res != nil {
		resp.Columns = res.Columns
		resp.RowCount = res.Count
		resp.Truncated = res.Truncated
		for _, row := range res.Matrix() {
			for i, v := range row {
				row[i] = sanitizeValue(v)
			}
			resp.Rows = append(resp.Rows, row)
		}
	}
	for _, st := range turn.Stages {
		resp.Stages = append(resp.Stages, StageResponse{
			Stage:      st.Stage,
			DurationMs: st.Duration.Milliseconds(),
			OK:         st.OK,
			Error:      st.Error,
			Note:       st.Note,
		})
	}
	return resp
}

// sanitizeValue replaces NaN and Inf, which JSON cannot carry.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return nil
		}
	case float32:
		if math.IsInf(float64(val), 0) || math.IsNaN(float64(val)) {
			return nil
		}
	}
	return v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
