package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/api/handlers"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	RunFunc func(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error)
}

func (m *mockRunner) Run(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error) {
	return m.RunFunc(ctx, req, progress)
}

type staticCatalog struct{}

func (staticCatalog) Get(context.Context) (*catalog.Catalog, error) {
	return &catalog.Catalog{Tables: []catalog.Table{{Name: "loans", Columns: []catalog.Column{{Name: "grade", Type: "TEXT"}}}}}, nil
}

func (c staticCatalog) Refresh(ctx context.Context) (*catalog.Catalog, error) { return c.Get(ctx) }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := analyticstesting.NewLogger(t)
	mgr := handlers.NewWorkflowManager(log, &mockRunner{RunFunc: func(_ context.Context, req workflow.Request, _ workflow.ProgressFunc) (*session.Turn, error) {
		return &session.Turn{ID: req.RunID, SessionID: req.SessionID, Question: req.Question, SQL: "SELECT 1", CreatedAt: time.Now()}, nil
	}}, 2)
	h, err := handlers.New(handlers.Config{
		Logger:    log,
		Manager:   mgr,
		Catalog:   staticCatalog{},
		Sessions:  session.NewMemoryStore(nil),
		Datastore: okPinger{},
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Logger:          log,
		Handler:         h,
		Manager:         mgr,
		ListenAddr:      "127.0.0.1:0",
		AllowedOrigins:  []string{"http://localhost:5173"},
		ShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return srv
}

func TestAnalytics_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	cfg := Config{Logger: analyticstesting.NewLogger(t)}
	_, err = New(cfg)
	require.ErrorContains(t, err, "handler is required")
}

func TestAnalytics_Server_Serve(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, base+"/api/query", strings.NewReader(`{"question":"loans"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, string(body), `"sql":"SELECT 1"`)

	resp, err = http.Get(base + "/api/workflows/" + "00000000-0000-0000-0000-000000000000" + "/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAnalytics_Server_GzipJSONRoutes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	// Disable transparent decompression to see the encoding on the wire.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	req, err := http.NewRequest(http.MethodGet, "http://"+ln.Addr().String()+"/api/schema?format=text", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	// The schema block is small, so the compressor may pass it through.
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Vary"), "Accept-Encoding")
}
