package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session expired")

	// ErrPromptNotFound is returned when a prompt doesn't exist in a session
	ErrPromptNotFound = errors.New("prompt not found")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// PromptStatus advances monotonically from in-flight to a terminal state.
type PromptStatus string

const (
	PromptInFlight  PromptStatus = "in_flight"
	PromptDone      PromptStatus = "done"
	PromptCancelled PromptStatus = "cancelled"
	PromptError     PromptStatus = "error"
)

// Session is a short-lived context owning prompts and idempotency
// bindings. ExpiresAt is always LastActiveAt plus the manager timeout.
type Session struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       Status    `json:"status"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Prompt is a single generation request within a session.
type Prompt struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	Text           string       `json:"text"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Status         PromptStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	TokenCount     int          `json:"token_count"`
}

// terminal reports whether a prompt status is final.
func (p PromptStatus) terminal() bool {
	return p == PromptDone || p == PromptCancelled || p == PromptError
}
