package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	RunFunc func(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error)
}

func (m *mockRunner) Run(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error) {
	return m.RunFunc(ctx, req, progress)
}

type mockCatalog struct {
	GetFunc     func(ctx context.Context) (*catalog.Catalog, error)
	RefreshFunc func(ctx context.Context) (*catalog.Catalog, error)
}

func (m *mockCatalog) Get(ctx context.Context) (*catalog.Catalog, error) { return m.GetFunc(ctx) }
func (m *mockCatalog) Refresh(ctx context.Context) (*catalog.Catalog, error) {
	return m.RefreshFunc(ctx)
}

type mockPinger struct {
	PingFunc func(ctx context.Context) error
}

func (m *mockPinger) Ping(ctx context.Context) error { return m.PingFunc(ctx) }

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tables: []catalog.Table{{
			Name: "loans",
			Columns: []catalog.Column{
				{Name: "grade", Type: "TEXT", Description: "Credit grade"},
				{Name: "loan_amnt", Type: "REAL"},
			},
		}},
		FetchedAt: time.Now(),
	}
}

func answeredTurn(req workflow.Request) *session.Turn {
	return &session.Turn{
		ID:        req.RunID,
		SessionID: req.SessionID,
		Question:  req.Question,
		SQL:       "SELECT grade, COUNT(*) AS n FROM loans GROUP BY grade",
		Result: &querier.Result{
			Columns: []querier.Column{{Name: "grade", Kind: querier.KindText}, {Name: "n", Kind: querier.KindNumeric}},
			Rows: []querier.Row{
				{"grade": "A", "n": int64(2)},
				{"grade": "B", "n": int64(1)},
			},
			Count: 2,
		},
		Insights:        []string{"Grade A holds most loans."},
		Recommendations: []string{"Review grade B pricing."},
		Stages: []session.StageRecord{
			{Stage: "generate_sql", Duration: 20 * time.Millisecond, OK: true},
			{Stage: "execute", Duration: 5 * time.Millisecond, OK: true},
		},
		Duration:  25 * time.Millisecond,
		CreatedAt: time.Now(),
	}
}

// answering emits two stage events and answers every question.
func answering() *mockRunner {
	return &mockRunner{RunFunc: func(_ context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error) {
		progress(workflow.Event{RunID: req.RunID, SessionID: req.SessionID, Stage: "generate_sql", Status: "ok"})
		progress(workflow.Event{RunID: req.RunID, SessionID: req.SessionID, Stage: "execute", Status: "ok"})
		return answeredTurn(req), nil
	}}
}

type testEnv struct {
	handler  *Handler
	manager  *WorkflowManager
	sessions *session.MemoryStore
	ping     *mockPinger
	router   http.Handler
}

func newTestEnv(t *testing.T, runner Runner) *testEnv {
	t.Helper()
	log := analyticstesting.NewLogger(t)
	mgr := NewWorkflowManager(log, runner, 4)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	env := &testEnv{
		manager:  mgr,
		sessions: session.NewMemoryStore(nil),
		ping:     &mockPinger{PingFunc: func(context.Context) error { return nil }},
	}
	h, err := New(Config{
		Logger:  log,
		Manager: mgr,
		Catalog: &mockCatalog{
			GetFunc:     func(context.Context) (*catalog.Catalog, error) { return testCatalog(), nil },
			RefreshFunc: func(context.Context) (*catalog.Catalog, error) { return testCatalog(), nil },
		},
		Sessions:          env.sessions,
		Datastore:         env.ping,
		HeartbeatInterval: time.Minute,
		Version:           "test",
	})
	require.NoError(t, err)
	env.handler = h

	r := chi.NewRouter()
	r.Post("/api/query", h.Query)
	r.Post("/api/query/stream", h.QueryStream)
	r.Get("/api/query/ws", h.QueryWS)
	r.Get("/api/workflows/{id}/stream", h.WorkflowStream)
	r.Delete("/api/workflows/{id}", h.CancelWorkflow)
	r.Get("/api/sessions/{id}", h.GetSession)
	r.Get("/api/sessions/{id}/history", h.SessionHistory)
	r.Get("/api/sessions/{id}/workflow", h.SessionWorkflow)
	r.Get("/api/schema", h.Schema)
	r.Post("/api/schema/refresh", h.RefreshSchema)
	r.Get("/api/health", h.Health)
	r.Get("/readyz", h.Readyz)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	Type string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Type != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAnalytics_Handlers_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	log := analyticstesting.NewLogger(t)
	_, err = New(Config{Logger: log})
	require.ErrorContains(t, err, "workflow manager is required")
}

func TestAnalytics_Handlers_Query_Answers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	sessionID := uuid.New()

	rec := env.do(t, http.MethodPost, "/api/query", `{"question":"  loans by grade  ","session_id":"`+sessionID.String()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, sessionID, resp.SessionID)
	require.Equal(t, "loans by grade", resp.Question)
	require.NotNil(t, resp.SQL)
	require.Nil(t, resp.Error)
	require.Equal(t, 2, resp.RowCount)
	require.Equal(t, []any{"A", float64(2)}, resp.Rows[0])
	require.Len(t, resp.Stages, 2)
	require.Equal(t, int64(20), resp.Stages[0].DurationMs)
	require.Equal(t, []string{"Grade A holds most loans."}, resp.Insights)
}

func TestAnalytics_Handlers_Query_Validation(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{RunFunc: func(context.Context, workflow.Request, workflow.ProgressFunc) (*session.Turn, error) {
		t.Error("runner must not be called for invalid requests")
		return nil, errors.New("unexpected")
	}}
	env := newTestEnv(t, runner)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "invalid body", body: `{`, wantErr: "Invalid request body"},
		{name: "empty question", body: `{"question":""}`, wantErr: "Question is required"},
		{name: "whitespace question", body: `{"question":"   \n\t"}`, wantErr: "Question is required"},
		{name: "too long", body: `{"question":"` + strings.Repeat("a", DefaultMaxQuestionLength+1) + `"}`, wantErr: "at most 500 characters"},
		{name: "invalid session id", body: `{"question":"loans","session_id":"abc"}`, wantErr: "Invalid session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for _, path := range []string{"/api/query", "/api/query/stream"} {
				rec := env.do(t, http.MethodPost, path, tt.body)
				require.Equal(t, http.StatusBadRequest, rec.Code, path)
				require.Contains(t, rec.Body.String(), tt.wantErr, path)
			}
		})
	}
}

func TestAnalytics_Handlers_Query_PipelineFailure(t *testing.T) {
	t.Parallel()

	t.Run("failed turn answers 200 with error", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, &mockRunner{RunFunc: func(_ context.Context, req workflow.Request, _ workflow.ProgressFunc) (*session.Turn, error) {
			pe := &pipeline.Error{Kind: pipeline.KindGenerationFailed, Message: "I couldn't turn that question into a query."}
			return &session.Turn{ID: req.RunID, SessionID: req.SessionID, Question: req.Question, Error: pe.Message, CreatedAt: time.Now()}, pe
		}})

		rec := env.do(t, http.MethodPost, "/api/query", `{"question":"what is love"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp QueryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		require.Equal(t, "I couldn't turn that question into a query.", *resp.Error)
		require.Nil(t, resp.SQL)
		require.Empty(t, resp.Rows)
	})

	t.Run("no turn is a server error", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, &mockRunner{RunFunc: func(context.Context, workflow.Request, workflow.ProgressFunc) (*session.Turn, error) {
			return nil, errors.New("boom")
		}})

		rec := env.do(t, http.MethodPost, "/api/query", `{"question":"loans"}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), "The question could not be processed.")
	})
}

func TestAnalytics_Handlers_QueryStream_Events(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	rec := env.do(t, http.MethodPost, "/api/query/stream", `{"question":"loans by grade"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 4)
	require.Equal(t, EventWorkflowStarted, events[0].Type)
	require.Equal(t, EventStage, events[1].Type)
	require.Equal(t, EventStage, events[2].Type)
	require.Equal(t, EventDone, events[3].Type)

	var started startedEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &started))
	require.NotEqual(t, uuid.Nil, started.RunID)

	var stage workflow.Event
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &stage))
	require.Equal(t, workflow.Stage("generate_sql"), stage.Stage)

	var done struct {
		Response QueryResponse `json:"response"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &done))
	require.Equal(t, started.RunID, done.Response.TurnID)
	require.Equal(t, 2, done.Response.RowCount)
}

func TestAnalytics_Handlers_QueryStream_ErrorEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &mockRunner{RunFunc: func(_ context.Context, req workflow.Request, _ workflow.ProgressFunc) (*session.Turn, error) {
		pe := &pipeline.Error{Kind: pipeline.KindExecutionTimeout, Message: "The query took too long."}
		return &session.Turn{ID: req.RunID, SessionID: req.SessionID, Question: req.Question, Error: pe.Message, CreatedAt: time.Now()}, pe
	}})

	events := parseSSE(t, env.do(t, http.MethodPost, "/api/query/stream", `{"question":"everything"}`).Body.String())
	require.Len(t, events, 2)
	require.Equal(t, EventError, events[1].Type)

	var payload struct {
		Error    string         `json:"error"`
		Response *QueryResponse `json:"response"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &payload))
	require.Equal(t, "The query took too long.", payload.Error)
	require.NotNil(t, payload.Response)
}

// blocking runs until released or cancelled. A cancelled run still returns
// its failed turn.
func blocking(release <-chan struct{}, started chan<- workflow.Request) *mockRunner {
	return &mockRunner{RunFunc: func(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error) {
		progress(workflow.Event{RunID: req.RunID, SessionID: req.SessionID, Stage: "generate_sql", Status: "ok"})
		started <- req
		select {
		case <-release:
			return answeredTurn(req), nil
		case <-ctx.Done():
			return &session.Turn{ID: req.RunID, SessionID: req.SessionID, Question: req.Question, Error: "cancelled", CreatedAt: time.Now()}, ctx.Err()
		}
	}}
}

func TestAnalytics_Handlers_WorkflowStream_Reattach(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan workflow.Request, 1)
	env := newTestEnv(t, blocking(release, started))

	rw, err := env.manager.Start(workflow.Request{Question: "loans by grade"})
	require.NoError(t, err)
	<-started

	id, ok := env.manager.RunningForSession(rw.SessionID)
	require.True(t, ok)
	require.Equal(t, rw.ID, id)

	rec := env.do(t, http.MethodGet, "/api/sessions/"+rw.SessionID.String()+"/workflow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), rw.ID.String())

	streamed := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		streamed <- env.do(t, http.MethodGet, "/api/workflows/"+rw.ID.String()+"/stream", "")
	}()

	// Events emitted before the reattach are replayed.
	require.Eventually(t, func() bool {
		rw.mu.RLock()
		defer rw.mu.RUnlock()
		return len(rw.subscribers) == 1
	}, 5*time.Second, 10*time.Millisecond)
	close(release)

	rec = <-streamed
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	require.Equal(t, EventWorkflowStarted, events[0].Type)
	require.Equal(t, EventStage, events[1].Type)
	require.Equal(t, EventDone, events[2].Type)

	// A finished workflow can no longer be reattached.
	<-rw.Done()
	rec = env.do(t, http.MethodGet, "/api/workflows/"+rw.ID.String()+"/stream", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalytics_Handlers_CancelWorkflow(t *testing.T) {
	t.Parallel()

	started := make(chan workflow.Request, 1)
	env := newTestEnv(t, blocking(make(chan struct{}), started))

	rw, err := env.manager.Start(workflow.Request{Question: "slow question"})
	require.NoError(t, err)
	<-started

	rec := env.do(t, http.MethodDelete, "/api/workflows/"+rw.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case <-rw.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow was not cancelled")
	}
	turn, err := rw.Result()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "cancelled", turn.Error)

	rec = env.do(t, http.MethodDelete, "/api/workflows/"+rw.ID.String(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/workflows/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalytics_Handlers_Sessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := env.sessions.Ensure(ctx, sessionID, "u1")
	require.NoError(t, err)
	for _, q := range []string{"loans by grade", "and by state?"} {
		turn := answeredTurn(workflow.Request{RunID: uuid.New(), SessionID: sessionID, Question: q})
		require.NoError(t, env.sessions.AppendTurn(ctx, *turn))
	}

	t.Run("history oldest first", func(t *testing.T) {
		t.Parallel()
		rec := env.do(t, http.MethodGet, "/api/sessions/"+sessionID.String()+"/history", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionHistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, sessionID, resp.Session.ID)
		require.Len(t, resp.Turns, 2)
		require.Equal(t, "loans by grade", resp.Turns[0].Question)
		require.Equal(t, "and by state?", resp.Turns[1].Question)
	})

	t.Run("history limit", func(t *testing.T) {
		t.Parallel()
		rec := env.do(t, http.MethodGet, "/api/sessions/"+sessionID.String()+"/history?limit=1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionHistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Turns, 1)
		require.Equal(t, "and by state?", resp.Turns[0].Question)
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/sessions/"+sessionID.String()+"/history?limit=0", "").Code)
		require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/sessions/nope/history", "").Code)
		require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+uuid.NewString()+"/history", "").Code)
		require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+uuid.NewString(), "").Code)
		require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+sessionID.String()+"/workflow", "").Code)
	})

	t.Run("session", func(t *testing.T) {
		t.Parallel()
		rec := env.do(t, http.MethodGet, "/api/sessions/"+sessionID.String(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `"user_id":"u1"`)
	})
}

func TestAnalytics_Handlers_Schema(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())

	rec := env.do(t, http.MethodGet, "/api/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cat catalog.Catalog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cat))
	require.Equal(t, []string{"loans"}, cat.TableNames())

	rec = env.do(t, http.MethodGet, "/api/schema?format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Contains(t, rec.Body.String(), "loans")
	require.Contains(t, rec.Body.String(), "grade")

	rec = env.do(t, http.MethodPost, "/api/schema/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalytics_Handlers_Schema_Unavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	env.handler.cfg.Catalog = &mockCatalog{
		GetFunc:     func(context.Context) (*catalog.Catalog, error) { return nil, errors.New("connection refused") },
		RefreshFunc: func(context.Context) (*catalog.Catalog, error) { return nil, errors.New("connection refused") },
	}

	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/schema", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/schema/refresh", "").Code)
}

func TestAnalytics_Handlers_Health(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, answering())

		rec := env.do(t, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "healthy", resp.Status)
		require.Equal(t, "ok", resp.Checks["datastore"])
		require.Equal(t, "test", resp.Version)
		require.Nil(t, resp.Cache)

		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)
	})

	t.Run("degraded", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, answering())
		env.ping.PingFunc = func(context.Context) error { return errors.New("connection refused") }

		rec := env.do(t, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "degraded", resp.Status)
		require.Equal(t, "connection refused", resp.Checks["datastore"])
		require.Equal(t, "ok", resp.Checks["sessions"])

		require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)
	})
}

func TestAnalytics_Handlers_NewQueryResponse_SanitizesRows(t *testing.T) {
	t.Parallel()

	turn := answeredTurn(workflow.Request{RunID: uuid.New(), SessionID: uuid.New(), Question: "q"})
	turn.Result.Columns = append(turn.Result.Columns, querier.Column{Name: "ratio", Kind: querier.KindNumeric})
	turn.Result.Rows[0]["ratio"] = math.Inf(1)
	turn.Result.Rows[1]["ratio"] = 0.5

	resp := NewQueryResponse(turn)
	require.Nil(t, resp.Rows[0][2])
	require.Equal(t, 0.5, resp.Rows[1][2])

	_, err := json.Marshal(resp)
	require.NoError(t, err)
}
