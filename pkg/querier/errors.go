package querier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

// FailureKind tags why a query did not produce a result.
type FailureKind string

const (
	// FailureTimeout means the query exceeded its time budget.
	FailureTimeout FailureKind = "timeout"
	// FailureConnection is an infrastructure failure reaching the datastore.
	FailureConnection FailureKind = "connection_error"
	// FailureSyntax means the engine rejected the statement itself.
	FailureSyntax FailureKind = "syntax_rejected_by_engine"
	// FailurePermission means the engine refused access.
	FailurePermission FailureKind = "permission_denied"
)

// ExecError is a classified query failure.
type ExecError struct {
	Kind FailureKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Message returns the engine's message without the failure tag.
func (e *ExecError) Message() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Message
	}
	return e.Err.Error()
}

// FailureOf returns the failure kind of err if it is an ExecError.
func FailureOf(err error) (FailureKind, bool) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind, true
	}
	return "", false
}

// classify wraps err in an ExecError. Caller cancellation is returned as is.
func classify(ctx context.Context, driver string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &ExecError{Kind: failureKind(driver, err), Err: err}
}

func failureKind(driver string, err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return FailureTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgFailureKind(pgErr.Code)
	}

	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		switch chErr.Code {
		case 159: // TIMEOUT_EXCEEDED
			return FailureTimeout
		case 164, 497: // READONLY, ACCESS_DENIED
			return FailurePermission
		case 210, 209: // NETWORK_ERROR, SOCKET_TIMEOUT
			return FailureConnection
		}
		return FailureSyntax
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureConnection
	}

	return messageFailureKind(driver, err.Error())
}

// pgFailureKind maps a Postgres SQLSTATE to a failure kind.
func pgFailureKind(code string) FailureKind {
	switch {
	case code == "57014": // query_canceled (statement_timeout)
		return FailureTimeout
	case code == "42501", code == "25006": // insufficient_privilege, read_only_sql_transaction
		return FailurePermission
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
		return FailureConnection
	}
	return FailureSyntax
}

// messageFailureKind classifies drivers that only expose error text.
func messageFailureKind(driver, msg string) FailureKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout"), strings.Contains(m, "interrupted"):
		return FailureTimeout
	case strings.Contains(m, "readonly"), strings.Contains(m, "read-only"), strings.Contains(m, "read only"),
		strings.Contains(m, "permission"), strings.Contains(m, "not authorized"), strings.Contains(m, "access denied"):
		return FailurePermission
	case strings.Contains(m, "database is locked"), strings.Contains(m, "unable to open"),
		strings.Contains(m, "connection"), strings.Contains(m, "sql: database is closed"), strings.Contains(m, "broken pipe"):
		return FailureConnection
	case strings.Contains(m, "syntax"), strings.Contains(m, "no such"), strings.Contains(m, "parser error"),
		strings.Contains(m, "binder error"), strings.Contains(m, "catalog error"), strings.Contains(m, "conversion error"),
		strings.Contains(m, "ambiguous"), strings.Contains(m, "misuse"), strings.Contains(m, "does not exist"):
		return FailureSyntax
	}
	if driver == DriverPostgres {
		return FailureConnection
	}
	return FailureSyntax
}
