package config

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestAnalytics_Config_LoadFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		wantErr     string
		checkConfig func(*testing.T, *Config)
	}{
		{
			name: "defaults",
			env:  map[string]string{"DATABASE_URL": "loans.db"},
			checkConfig: func(t *testing.T, cfg *Config) {
				require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
				require.Equal(t, []string{"loans"}, cfg.Tables)
				require.Equal(t, querier.DefaultQueryTimeout, cfg.QueryTimeout)
				require.Equal(t, 5, cfg.HistoryTurns)
				require.Equal(t, "analytics_turns", cfg.KafkaTopic)
				require.Empty(t, cfg.KafkaBrokers)
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"DATABASE_URL":         "postgres://u:p@localhost:5432/loans",
				"CATALOG_TABLES":       "loans, payments",
				"QUERY_TIMEOUT":        "5s",
				"CACHE_CAPACITY":       "50",
				"KAFKA_BROKERS":        "a:9092,b:9092",
				"CORS_ALLOWED_ORIGINS": "https://example.com",
			},
			checkConfig: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"loans", "payments"}, cfg.Tables)
				require.Equal(t, 5*time.Second, cfg.QueryTimeout)
				require.Equal(t, 50, cfg.CacheCapacity)
				require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
				require.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
			},
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"QUERY_TIMEOUT": "soon"},
			wantErr: "invalid QUERY_TIMEOUT",
		},
		{
			name:    "invalid int",
			env:     map[string]string{"HISTORY_TURNS": "five"},
			wantErr: "invalid HISTORY_TURNS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadFromEnv()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.checkConfig(t, cfg)
		})
	}
}

func TestAnalytics_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("database url is required", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{MaxConns: 1, WorkflowConcurrency: 1, Tables: []string{"loans"}}
		require.ErrorContains(t, cfg.Validate(), "DATABASE_URL is required")
	})

	t.Run("driver is inferred", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{DatastoreURL: "postgresql://localhost/loans", MaxConns: 1, WorkflowConcurrency: 1, Tables: []string{"loans"}}
		require.NoError(t, cfg.Validate())
		require.Equal(t, querier.DriverPostgres, cfg.DatastoreDriver)
		require.NotNil(t, cfg.Agents)
	})

	t.Run("unsupported driver", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{DatastoreURL: "x", DatastoreDriver: "mysql", MaxConns: 1, WorkflowConcurrency: 1, Tables: []string{"loans"}}
		require.ErrorContains(t, cfg.Validate(), `unsupported datastore driver "mysql"`)
	})
}

func TestAnalytics_Config_DriverFor(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"postgres://localhost/loans":   querier.DriverPostgres,
		"POSTGRESQL://localhost/loans": querier.DriverPostgres,
		"clickhouse://localhost:9000":  querier.DriverClickHouse,
		"/data/loans.duckdb":           querier.DriverDuckDB,
		"file:loans.db?_pragma=wal":    querier.DriverSQLite,
	}
	for dsn, want := range tests {
		require.Equal(t, want, DriverFor(dsn), dsn)
	}
}

func TestAnalytics_Config_ApplyFlags(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--listen-addr=:9999", "--kafka-brokers=k1:9092,k2:9092", "--workflow-concurrency=4"}))

	cfg := &Config{ListenAddr: DefaultListenAddr, MetricsAddr: "env-metrics"}
	require.NoError(t, cfg.ApplyFlags(fs))
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 4, cfg.WorkflowConcurrency)
	// Unset flags leave the environment's value alone.
	require.Equal(t, "env-metrics", cfg.MetricsAddr)
}

func TestAnalytics_Config_Agents(t *testing.T) {
	t.Parallel()

	t.Run("embedded default merges per agent", func(t *testing.T) {
		t.Parallel()
		agents, err := LoadAgents("")
		require.NoError(t, err)

		sqlAgent := agents.SQL()
		require.Equal(t, "claude-sonnet-4-5", sqlAgent.Model)
		require.Equal(t, 0.0, *sqlAgent.Temperature)
		require.Equal(t, int64(1000), sqlAgent.MaxTokens)
		require.Equal(t, 60*time.Second, sqlAgent.Timeout)
		require.Equal(t, 3, sqlAgent.retries(0))

		insight := agents.Insight()
		require.Equal(t, 0.3, *insight.Temperature)
		require.Equal(t, 2, insight.retries(0))
	})

	t.Run("model override re-derives provider", func(t *testing.T) {
		t.Parallel()
		agents, err := ParseAgents([]byte(`
global:
  provider: anthropic
  model: claude-sonnet-4-5
insight_agent:
  model: gpt-4o-mini
`))
		require.NoError(t, err)
		require.Equal(t, pipeline.ProviderAnthropic, agents.SQL().LLMConfig(APIKeys{}).Provider)

		llm := agents.Insight().LLMConfig(APIKeys{OpenAI: "sk-test", OpenAIBaseURL: "http://localhost:1234/v1"})
		require.Equal(t, pipeline.ProviderOpenAI, llm.Provider)
		require.Equal(t, "sk-test", llm.APIKey)
		require.Equal(t, "http://localhost:1234/v1", llm.BaseURL)
	})

	t.Run("rejects invalid documents", func(t *testing.T) {
		t.Parallel()
		cases := map[string]string{
			"unknown key":     "global:\n  model: claude-3\n  colour: red\n",
			"missing model":   "global:\n  temperature: 0\n",
			"unknown model":   "global:\n  model: llama-3\n",
			"bad temperature": "global:\n  model: claude-3\n  temperature: 3\n",
		}
		for name, doc := range cases {
			_, err := ParseAgents([]byte(doc))
			require.Error(t, err, name)
		}
	})
}

func TestAnalytics_Config_Build(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "loans.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(analyticstesting.LoansDDL)
	require.NoError(t, err)
	_, err = db.Exec(analyticstesting.LoansSeed)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := &Config{
		DatastoreURL:        path,
		MaxConns:            2,
		WorkflowConcurrency: 2,
		Tables:              []string{"loans"},
		Keys:                APIKeys{Anthropic: "sk-test"},
	}
	app, err := Build(context.Background(), analyticstesting.NewLogger(t), cfg)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	require.Equal(t, querier.DriverSQLite, app.Datastore.Driver())
	require.Nil(t, app.Publisher)

	cat, err := app.Catalog.Get(context.Background())
	require.NoError(t, err)
	loans, ok := cat.Table("loans")
	require.True(t, ok)
	col, ok := loans.Column("int_rate")
	require.True(t, ok)
	require.NotEmpty(t, col.Description)

	require.NoError(t, app.Sessions.Ping(context.Background()))
}
