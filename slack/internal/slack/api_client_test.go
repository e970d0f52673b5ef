package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, check func(*testing.T, queryRequest), events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/query/stream", r.URL.Path)
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(t, req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			fmt.Fprint(w, ev)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sseEvent(name string, data any) string {
	b, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, b)
}

func TestAnalytics_Slack_APIClient_Ask(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	sql := "SELECT grade, COUNT(*) AS n FROM loans GROUP BY grade"
	srv := sseServer(t,
		func(t *testing.T, req queryRequest) {
			require.Equal(t, "loans by grade", req.Question)
			require.Equal(t, sessionID.String(), req.SessionID)
			require.Equal(t, "U123", req.UserID)
		},
		sseEvent("workflow_started", map[string]any{"run_id": uuid.New(), "session_id": sessionID}),
		sseEvent("stage", workflow.Event{SessionID: sessionID, Stage: workflow.StageGenerating, Status: "proceed"}),
		sseEvent("heartbeat", map[string]any{}),
		sseEvent("stage", workflow.Event{SessionID: sessionID, Stage: workflow.StageExecuting, Status: "proceed"}),
		sseEvent("done", map[string]any{"response": map[string]any{
			"session_id": sessionID,
			"sql":        sql,
			"columns":    []map[string]any{{"name": "grade", "kind": "text"}, {"name": "n", "kind": "numeric"}},
			"rows":       [][]any{{"A", 2}, {"B", 3}},
			"row_count":  2,
			"insights":   []string{"Grade B has the most loans."},
		}}),
	)

	client := NewAPIClient(srv.URL+"/", analyticstesting.NewLogger(t))
	var stages []workflow.Stage
	ans, err := client.Ask(context.Background(), "loans by grade", sessionID, "U123", func(ev workflow.Event) {
		stages = append(stages, ev.Stage)
	})
	require.NoError(t, err)
	require.Equal(t, []workflow.Stage{workflow.StageGenerating, workflow.StageExecuting}, stages)
	require.Equal(t, sessionID, ans.SessionID)
	require.Equal(t, sql, *ans.SQL)
	require.Len(t, ans.Columns, 2)
	require.Equal(t, "grade", ans.Columns[0].Name)
	require.Equal(t, 2, ans.RowCount)
	require.Equal(t, []any{"B", float64(3)}, ans.Rows[1])
	require.Equal(t, []string{"Grade B has the most loans."}, ans.Insights)
}

func TestAnalytics_Slack_APIClient_NewSession(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		func(t *testing.T, req queryRequest) {
			require.Empty(t, req.SessionID)
		},
		sseEvent("done", map[string]any{"response": map[string]any{"session_id": uuid.New()}}),
	)
	ans, err := NewAPIClient(srv.URL, analyticstesting.NewLogger(t)).Ask(context.Background(), "q", uuid.Nil, "", nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, ans.SessionID)
}

func TestAnalytics_Slack_APIClient_ErrorEvent(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	srv := sseServer(t, nil,
		sseEvent("error", map[string]any{
			"error":    "The query took too long to run.",
			"response": map[string]any{"session_id": sessionID, "error": "The query took too long to run."},
		}),
	)

	ans, err := NewAPIClient(srv.URL, analyticstesting.NewLogger(t)).Ask(context.Background(), "q", uuid.Nil, "", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "The query took too long to run.", apiErr.Message)
	require.Zero(t, apiErr.StatusCode)
	require.NotNil(t, ans)
	require.Equal(t, sessionID, ans.SessionID)
}

func TestAnalytics_Slack_APIClient_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Question must be at most 500 characters"}`))
	}))
	t.Cleanup(srv.Close)

	ans, err := NewAPIClient(srv.URL, analyticstesting.NewLogger(t)).Ask(context.Background(), "q", uuid.Nil, "", nil)
	require.Nil(t, ans)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "API error: Question must be at most 500 characters (status 400)", err.Error())
	require.Equal(t, "Question must be at most 500 characters", SanitizeErrorMessage(err.Error()))
}

func TestAnalytics_Slack_APIClient_StreamEnded(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, nil,
		sseEvent("stage", workflow.Event{Stage: workflow.StageGenerating}),
	)
	_, err := NewAPIClient(srv.URL, analyticstesting.NewLogger(t)).Ask(context.Background(), "q", uuid.Nil, "", nil)
	require.ErrorIs(t, err, ErrStreamEnded)
}
