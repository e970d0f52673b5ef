package analyticstesting

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// LoansDDL creates the loans table with the columns the assistant is prompted
// about.
const LoansDDL = `CREATE TABLE loans (
	id INTEGER PRIMARY KEY,
	loan_amnt NUMERIC NOT NULL,
	term VARCHAR(20) NOT NULL,
	int_rate NUMERIC NOT NULL,
	grade VARCHAR(1) NOT NULL,
	sub_grade VARCHAR(2) NOT NULL,
	emp_length VARCHAR(20),
	home_ownership VARCHAR(20),
	annual_inc NUMERIC,
	loan_status VARCHAR(50) NOT NULL,
	purpose VARCHAR(50),
	addr_state VARCHAR(2),
	dti NUMERIC,
	issue_d DATE NOT NULL
)`

// LoansSeed inserts the three-row sample: grades B, C and A with interest
// rates 10.65, 15.27 and 7.89.
const LoansSeed = `INSERT INTO loans
	(id, loan_amnt, term, int_rate, grade, sub_grade, emp_length, home_ownership, annual_inc, loan_status, purpose, addr_state, dti, issue_d)
VALUES
	(1, 5000, '36 months', 10.65, 'B', 'B2', '10+ years', 'RENT', 24000, 'Fully Paid', 'credit_card', 'AZ', 27.65, '2011-12-01'),
	(2, 2500, '60 months', 15.27, 'C', 'C4', '< 1 year', 'RENT', 30000, 'Charged Off', 'car', 'GA', 1.00, '2011-12-01'),
	(3, 10000, '36 months', 7.89, 'A', 'A4', '10+ years', 'MORTGAGE', 49200, 'Fully Paid', 'other', 'CA', 20.00, '2011-11-01')`

var dbSeq atomic.Int64

// NewLogger returns a logger that writes to stdout when DEBUG is set and
// discards otherwise.
func NewLogger(t *testing.T) *slog.Logger {
	t.Helper()
	var w io.Writer = io.Discard
	if os.Getenv("DEBUG") != "" {
		w = os.Stdout
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: slog.LevelDebug, TimeFormat: time.RFC3339}))
}

// NewLoansDB opens a private in-memory SQLite database seeded with the
// sample loans. The database lives until the test ends.
func NewLoansDB(t *testing.T) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("file:loans%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite", name)
	require.NoError(t, err)
	// A shared-cache memory database disappears with its last connection.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	_, err = db.ExecContext(ctx, LoansDDL)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, LoansSeed)
	require.NoError(t, err)
	return db
}

// NewLoansQuerier returns a SQLite querier over a fresh loans database.
func NewLoansQuerier(t *testing.T, limits querier.Limits) (*querier.SQLQuerier, *sql.DB) {
	t.Helper()
	db := NewLoansDB(t)
	q, err := querier.NewSQLQuerier(querier.SQLConfig{
		Logger: NewLogger(t),
		DB:     db,
		Driver: querier.DriverSQLite,
		Limits: limits,
	})
	require.NoError(t, err)
	return q, db
}
