package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	CompleteFunc func(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)

	mu    sync.Mutex
	users []string
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	m.mu.Lock()
	m.users = append(m.users, userPrompt)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, systemPrompt, userPrompt, opts...)
}

func (m *mockLLM) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users...)
}

// scripted replies with each response in turn and repeats the last one.
func scripted(responses ...string) *mockLLM {
	var (
		mu sync.Mutex
		i  int
	)
	return &mockLLM{CompleteFunc: func(ctx context.Context, _, _ string, _ ...CompleteOption) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := responses[min(i, len(responses)-1)]
		i++
		return r, nil
	}}
}

type mockDatastore struct {
	QueryFunc func(ctx context.Context, sql string) (*querier.Result, error)
}

func (m *mockDatastore) Query(ctx context.Context, sql string) (*querier.Result, error) {
	return m.QueryFunc(ctx, sql)
}
func (m *mockDatastore) Ping(ctx context.Context) error { return nil }
func (m *mockDatastore) Driver() string                 { return "mock" }

// newLoansPipeline returns a pipeline over the SQLite loans fixture and the
// catalog introspected from it.
func newLoansPipeline(t *testing.T, llm LLMClient, mutate func(*Config)) (*Pipeline, *catalog.Catalog) {
	t.Helper()
	q, db := analyticstesting.NewLoansQuerier(t, querier.Limits{})
	fetcher, err := catalog.NewSQLFetcher(catalog.SQLFetcherConfig{
		Logger: analyticstesting.NewLogger(t),
		DB:     db,
		Driver: querier.DriverSQLite,
	})
	require.NoError(t, err)
	cat, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)

	prompts, err := LoadPrompts()
	require.NoError(t, err)
	cfg := Config{
		Logger:  analyticstesting.NewLogger(t),
		SQLLLM:  llm,
		Querier: q,
		Prompts: prompts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p, cat
}

func TestAnalytics_Pipeline_ConfigValidation(t *testing.T) {
	t.Parallel()

	prompts, err := LoadPrompts()
	require.NoError(t, err)
	log := analyticstesting.NewLogger(t)
	llm := scripted("SELECT 1")
	ds := &mockDatastore{}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing logger", Config{SQLLLM: llm, Querier: ds, Prompts: prompts}, "logger is required"},
		{"missing llm", Config{Logger: log, Querier: ds, Prompts: prompts}, "SQL LLM client is required"},
		{"missing querier", Config{Logger: log, SQLLLM: llm, Prompts: prompts}, "querier is required"},
		{"missing prompts", Config{Logger: log, SQLLLM: llm, Querier: ds}, "prompts are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.ErrorContains(t, err, tt.want)
		})
	}

	p, err := New(Config{Logger: log, SQLLLM: llm, Querier: ds, Prompts: prompts})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRetries, p.MaxRetries())
	require.Equal(t, 1000, p.RowCap())
	require.Equal(t, DefaultInsightRetries, p.cfg.InsightRetries)
	require.Same(t, llm, p.cfg.InsightLLM)
}

func TestAnalytics_Pipeline_LoadPrompts(t *testing.T) {
	t.Parallel()

	p, err := LoadPrompts()
	require.NoError(t, err)
	require.Contains(t, p.Generate, "loan_status")
	require.Contains(t, p.Generate, `"sql"`)
	require.Contains(t, p.Insight, "INSIGHTS:")
	require.Contains(t, p.Insight, "RECOMMENDATIONS:")
}
