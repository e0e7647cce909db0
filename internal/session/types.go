package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session exists under the ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session outlived its TTL.
	ErrSessionExpired = errors.New("session expired")
)

// Session is one conversation. It is stored in Redis as a single JSON
// value with the message history embedded, and treated as immutable once
// cached: every mutation builds a replacement.
type Session struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	ExpiresAt time.Time              `json:"expires_at"`

	Messages []Message `json:"messages"`

	// Running usage totals across every model call in the session.
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Message is one history entry. Append-only; ordered by CreatedAt with
// insertion order breaking ties.
type Message struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// IsExpired reports whether the session outlived its TTL.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Recent returns the last n messages in chronological order; n <= 0
// returns the full history.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
