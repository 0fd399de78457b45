package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS realtime_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			audio_ms BIGINT NOT NULL DEFAULT 0,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_realtime_turns_session_created ON realtime_turns (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS realtime_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model TEXT NOT NULL,
			voice TEXT NOT NULL,
			audio_input_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			audio_output_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			text_input_tokens INTEGER NOT NULL DEFAULT 0,
			text_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_realtime_sessions_user_ended ON realtime_sessions (user_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO realtime_turns (id, user_id, session_id, message_id, role, content, audio_ms, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.MessageID,
		record.Role,
		record.Content,
		record.AudioMS,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, sum SessionSummary) error {
	if sum.EndedAt.IsZero() {
		sum.EndedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO realtime_sessions (session_id, user_id, model, voice, audio_input_seconds, audio_output_seconds,
			text_input_tokens, text_output_tokens, total_cost_usd, turns, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO UPDATE SET
			audio_input_seconds = EXCLUDED.audio_input_seconds,
			audio_output_seconds = EXCLUDED.audio_output_seconds,
			text_input_tokens = EXCLUDED.text_input_tokens,
			text_output_tokens = EXCLUDED.text_output_tokens,
			total_cost_usd = EXCLUDED.total_cost_usd,
			turns = EXCLUDED.turns,
			ended_at = EXCLUDED.ended_at`,
		sum.SessionID,
		sum.UserID,
		sum.Model,
		sum.Voice,
		sum.AudioInputSeconds,
		sum.AudioOutputSeconds,
		sum.TextInputTokens,
		sum.TextOutputTokens,
		sum.TotalCostUSD,
		sum.Turns,
		sum.StartedAt,
		sum.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, message_id, role, content, audio_ms, pii_redacted, created_at
		 FROM realtime_turns WHERE session_id=$1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.MessageID, &r.Role, &r.Content, &r.AudioMS, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

const summaryColumns = `session_id, user_id, model, voice, audio_input_seconds, audio_output_seconds,
	text_input_tokens, text_output_tokens, total_cost_usd, turns, started_at, ended_at`

func scanSummary(row pgx.Row) (SessionSummary, error) {
	var s SessionSummary
	err := row.Scan(&s.SessionID, &s.UserID, &s.Model, &s.Voice, &s.AudioInputSeconds, &s.AudioOutputSeconds,
		&s.TextInputTokens, &s.TextOutputTokens, &s.TotalCostUSD, &s.Turns, &s.StartedAt, &s.EndedAt)
	return s, err
}

func (s *PostgresStore) Summary(ctx context.Context, sessionID string) (SessionSummary, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+summaryColumns+` FROM realtime_sessions WHERE session_id=$1`, sessionID)
	sum, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionSummary{}, ErrNotFound
	}
	if err != nil {
		return SessionSummary{}, fmt.Errorf("query session summary: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM realtime_sessions WHERE user_id=$1 ORDER BY ended_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]SessionSummary, 0, limit)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
