package cli

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAnalytics_CLI_RenderTurn(t *testing.T) {
	t.Parallel()

	turn := &session.Turn{
		ID:        uuid.New(),
		SessionID: uuid.New(),
		Question:  "average rate by grade",
		SQL:       "SELECT grade, AVG(int_rate) AS avg_rate FROM loans GROUP BY grade",
		Result: &querier.Result{
			Columns: []querier.Column{{Name: "grade"}, {Name: "avg_rate"}},
			Rows: []querier.Row{
				{"grade": "A", "avg_rate": 7.89},
				{"grade": "C", "avg_rate": 15.271234},
				{"grade": "D", "avg_rate": nil},
			},
			Count: 3,
		},
		Chart:           &viz.Spec{Kind: viz.KindBar, X: "grade", Y: []string{"avg_rate"}, Title: "Average rate by grade"},
		Insights:        []string{"Grade C carries the highest rate at 15.27%."},
		Recommendations: []string{"Review pricing for grade C."},
		CreatedAt:       time.Now(),
	}

	var buf bytes.Buffer
	renderTurn(&buf, turn)
	out := buf.String()

	require.Contains(t, out, "Session: "+turn.SessionID.String())
	require.Contains(t, out, "GROUP BY grade")
	require.Contains(t, out, "avg_rate")
	require.Contains(t, out, "15.2712")
	require.Contains(t, out, "NULL")
	require.Contains(t, out, "3 rows")
	require.Contains(t, out, `Chart: bar "Average rate by grade"`)
	require.Contains(t, out, "  - Grade C carries the highest rate at 15.27%.")
	require.Contains(t, out, "Recommendations:")
	require.NotContains(t, out, "Warnings:")
	require.NotContains(t, out, "Error:")
}

func TestAnalytics_CLI_RenderTurn_Failed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderTurn(&buf, &session.Turn{SessionID: uuid.New(), Error: "The query took too long to run."})
	require.Contains(t, buf.String(), "Error: The query took too long to run.")
	require.NotContains(t, buf.String(), "SQL:")
}

func TestAnalytics_CLI_FormatCell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{24000.0, "24000"},
		{10.65, "10.65"},
		{1.0 / 3.0, "0.3333"},
		{int64(42), "42"},
		{[]byte("abc"), "abc"},
		{"RENT", "RENT"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, formatCell(tt.in))
	}
}

func TestAnalytics_CLI_ImportCSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "loans.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(strings.Join([]string{
		"id,loan_amnt,int_rate,grade,loan_status,issue_d",
		"1,5000,10.65,B,Fully Paid,2011-12-01",
		"2,2500,15.27,C,Charged Off,2011-12-01",
		"3,10000,7.89,A,Fully Paid,2011-11-01",
	}, "\n")+"\n"), 0o644))

	ctx := context.Background()
	db, err := querier.OpenDB(ctx, querier.DriverDuckDB, filepath.Join(dir, "loans.duckdb"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n, err := ImportCSV(ctx, db, csvPath, "loans", false)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	var avg float64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT AVG(int_rate) FROM loans WHERE grade IN ('A', 'C')`).Scan(&avg))
	require.InDelta(t, 11.58, avg, 0.001)

	_, err = ImportCSV(ctx, db, csvPath, "loans", false)
	require.Error(t, err, "existing table without replace")

	n, err = ImportCSV(ctx, db, csvPath, "loans", true)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	_, err = ImportCSV(ctx, db, csvPath, "loans; DROP TABLE loans", true)
	require.ErrorContains(t, err, "invalid table name")

	_, err = ImportCSV(ctx, db, filepath.Join(dir, "missing.csv"), "loans", true)
	require.ErrorContains(t, err, "failed to read csv")
}

func newLoansFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loans.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(analyticstesting.LoansDDL)
	require.NoError(t, err)
	_, err = db.Exec(analyticstesting.LoansSeed)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func TestAnalytics_CLI_SchemaCommand(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "")
	path := newLoansFile(t)

	var out bytes.Buffer
	cmd := NewRootCmd(BuildInfo{Version: "test"}, &out)
	cmd.SetArgs([]string{"schema", "--database-url", path, "--env-file", "", "--metrics-addr", ""})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "loans")
	require.Contains(t, out.String(), "int_rate")

	out.Reset()
	cmd = NewRootCmd(BuildInfo{Version: "test"}, &out)
	cmd.SetArgs([]string{"schema", "--json", "--refresh", "--database-url", path, "--env-file", ""})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), `"name": "loans"`)
}

func TestAnalytics_CLI_LoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("WORKFLOW_CONCURRENCY", "3")

	t.Cleanup(func() { _ = os.Unsetenv("HISTORY_TURNS") })
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HISTORY_TURNS=7\n"), 0o600))

	cmd := NewRootCmd(BuildInfo{}, &bytes.Buffer{})
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--database-url", "flag.db", "--env-file", envFile}))

	cfg, _, err := loadConfig(serve)
	require.NoError(t, err)
	require.Equal(t, "flag.db", cfg.DatastoreURL)
	require.Equal(t, 3, cfg.WorkflowConcurrency)
	require.Equal(t, 7, cfg.HistoryTurns)
}
