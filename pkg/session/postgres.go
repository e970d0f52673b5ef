package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/analysis"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	return nil
}

// PostgresStore keeps sessions in user_sessions and turns in conversations.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate session store config: %w", err)
	}
	return &PostgresStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

const sessionColumns = `session_id, user_id, context, created_at, last_activity, is_active`

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess    Session
		userID  *string
		ctxJSON json.RawMessage
	)
	if err := row.Scan(&sess.ID, &userID, &ctxJSON, &sess.CreatedAt, &sess.LastActivityAt, &sess.Active); err != nil {
		return nil, err
	}
	if userID != nil {
		sess.UserID = *userID
	}
	sess.Context = map[string]any{}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &sess.Context); err != nil {
			return nil, fmt.Errorf("failed to decode session context: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) Ensure(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("session id is required")
	}
	var user *string
	if userID != "" {
		user = &userID
	}
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO user_sessions (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE
		SET user_id = COALESCE(user_sessions.user_id, EXCLUDED.user_id)
		RETURNING `+sessionColumns, id, user))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM user_sessions WHERE session_id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, delta map[string]any) error {
	if delta == nil {
		delta = map[string]any{}
	}
	patch, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to encode session context: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_sessions
		SET context = context || $2::jsonb, last_activity = NOW()
		WHERE session_id = $1
	`, id, string(patch))
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) error {
	results, err := jsonOrNull(turn.Result)
	if err != nil {
		return err
	}
	chart, err := jsonOrNull(turn.Chart)
	if err != nil {
		return err
	}
	metrics, err := jsonOrNull(turn.Metrics)
	if err != nil {
		return err
	}
	insights, err := json.Marshal(nonNil(turn.Insights))
	if err != nil {
		return fmt.Errorf("failed to encode insights: %w", err)
	}
	recommendations, err := json.Marshal(nonNil(turn.Recommendations))
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}
	stages, err := json.Marshal(nonNil(turn.Stages))
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (
			id, session_id, question, sql_query, results, chart_spec, insights,
			recommendations, metrics, stages, execution_time_ms, error_message, from_cache, created_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13, $14)
	`, turn.ID, turn.SessionID, turn.Question, nullString(turn.SQL), results, chart, string(insights),
		string(recommendations), metrics, string(stages), turn.Duration.Milliseconds(), nullString(turn.Error),
		turn.FromCache, turn.CreatedAt)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, id uuid.UUID, limit int) ([]Turn, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question, sql_query, results, chart_spec, insights,
		       recommendations, metrics, stages, execution_time_ms, error_message, from_cache, created_at
		FROM (
			SELECT * FROM conversations
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return turns, nil
}

func scanTurn(rows pgx.Rows) (Turn, error) {
	var (
		turn                              Turn
		sqlText, errMsg                   *string
		results, chart, metrics           json.RawMessage
		insights, recommendations, stages json.RawMessage
		durationMS                        int64
	)
	if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Question, &sqlText, &results, &chart, &insights,
		&recommendations, &metrics, &stages, &durationMS, &errMsg, &turn.FromCache, &turn.CreatedAt); err != nil {
		return Turn{}, fmt.Errorf("failed to scan turn: %w", err)
	}
	if sqlText != nil {
		turn.SQL = *sqlText
	}
	if errMsg != nil {
		turn.Error = *errMsg
	}
	turn.Duration = time.Duration(durationMS) * time.Millisecond

	if len(results) > 0 {
		turn.Result = &querier.Result{}
		if err := json.Unmarshal(results, turn.Result); err != nil {
			return Turn{}, fmt.Errorf("failed to decode turn results: %w", err)
		}
	}
	if len(chart) > 0 {
		turn.Chart = &viz.Spec{}
		if err := json.Unmarshal(chart, turn.Chart); err != nil {
			return Turn{}, fmt.Errorf("failed to decode turn chart: %w", err)
		}
	}
	if len(metrics) > 0 {
		turn.Metrics = &analysis.Report{}
		if err := json.Unmarshal(metrics, turn.Metrics); err != nil {
			return Turn{}, fmt.Errorf("failed to decode turn metrics: %w", err)
		}
	}
	for _, f := range []struct {
		raw json.RawMessage
		dst any
	}{{insights, &turn.Insights}, {recommendations, &turn.Recommendations}, {stages, &turn.Stages}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return Turn{}, fmt.Errorf("failed to decode turn: %w", err)
		}
	}
	return turn, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// jsonOrNull encodes v for a nullable JSONB column.
func jsonOrNull[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	out := string(b)
	return &out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
