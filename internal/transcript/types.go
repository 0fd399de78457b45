// Package transcript persists finished conversation turns and per-session
// usage once a hosted session ends.
package transcript

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript not found")

// TurnRecord stores a single user or assistant message.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	MessageID   string    `json:"message_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	AudioMS     int64     `json:"audio_ms"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSummary is the usage snapshot written when a session ends.
type SessionSummary struct {
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	Model              string    `json:"model"`
	Voice              string    `json:"voice"`
	AudioInputSeconds  float64   `json:"audio_input_seconds"`
	AudioOutputSeconds float64   `json:"audio_output_seconds"`
	TextInputTokens    int       `json:"text_input_tokens"`
	TextOutputTokens   int       `json:"text_output_tokens"`
	TotalCostUSD       float64   `json:"total_cost_usd"`
	Turns              int       `json:"turns"`
	StartedAt          time.Time `json:"started_at"`
	EndedAt            time.Time `json:"ended_at"`
}

// Store persists and retrieves transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	SaveSummary(ctx context.Context, summary SessionSummary) error
	SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)
	Summary(ctx context.Context, sessionID string) (SessionSummary, error)
	RecentSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error)
	Close() error
}
