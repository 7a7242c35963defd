// Package session keeps the in-memory session, prompt, and idempotency
// state shared by all in-flight generations.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/stream"
)

type idemKey struct {
	sessionID string
	key       string
}

// binding ties an idempotency key to a prompt and, once the prompt
// completes, to its full delta sequence for verbatim replay.
type binding struct {
	promptID string
	deltas   []stream.Delta
	complete bool
	boundAt  time.Time
}

// Manager holds sessions, their prompts, and idempotency bindings.
// All maps are guarded by a single RWMutex; lookups never suspend.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	prompts     map[string]map[string]*Prompt
	idempotency map[idemKey]*binding

	timeout        time.Duration
	idempotencyCap int
	logger         *zap.Logger

	sweepOnce sync.Once
	stopSweep chan struct{}
}

// Config controls session lifetimes.
type Config struct {
	// Timeout is the inactivity window before a session expires.
	Timeout time.Duration
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration
	// IdempotencyCap bounds cached bindings per session; the oldest
	// binding is evicted beyond the cap.
	IdempotencyCap int
}

// NewManager creates a session manager. Call StartSweeper to enable
// background expiry.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.IdempotencyCap <= 0 {
		cfg.IdempotencyCap = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		prompts:        make(map[string]map[string]*Prompt),
		idempotency:    make(map[idemKey]*binding),
		timeout:        cfg.Timeout,
		idempotencyCap: cfg.IdempotencyCap,
		logger:         logger,
		stopSweep:      make(chan struct{}),
	}
}

// Timeout returns the configured inactivity window.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// CreateSession creates a new active session.
func (m *Manager) CreateSession(owner string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		Owner:        owner,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(m.timeout),
		Status:       StatusActive,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.prompts[s.ID] = make(map[string]*Prompt)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	m.logger.Info("Created session", zap.String("session_id", s.ID))
	return s
}

// GetSession returns the session if it exists and has not expired.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.IsExpired() {
		return nil, ErrSessionExpired
	}
	cp := *s
	return &cp, nil
}

// Touch refreshes the session's activity window.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.IsExpired() {
		return ErrSessionExpired
	}
	now := time.Now().UTC()
	s.LastActiveAt = now
	s.ExpiresAt = now.Add(m.timeout)
	return nil
}

// CreatePrompt creates a prompt within a session. When idempotencyKey is
// already bound, the bound prompt is returned instead and replayed is
// true.
func (m *Manager) CreatePrompt(sessionID, text, idempotencyKey string) (prompt *Prompt, replayed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	if s.IsExpired() {
		return nil, false, ErrSessionExpired
	}

	if idempotencyKey != "" {
		if b, ok := m.idempotency[idemKey{sessionID, idempotencyKey}]; ok {
			if p, ok := m.prompts[sessionID][b.promptID]; ok {
				cp := *p
				return &cp, true, nil
			}
		}
	}

	now := time.Now().UTC()
	p := &Prompt{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Text:           text,
		IdempotencyKey: idempotencyKey,
		Status:         PromptInFlight,
		CreatedAt:      now,
	}
	m.prompts[sessionID][p.ID] = p

	if idempotencyKey != "" {
		m.bindLocked(sessionID, idempotencyKey, p.ID, now)
	}

	s.LastActiveAt = now
	s.ExpiresAt = now.Add(m.timeout)

	cp := *p
	return &cp, false, nil
}

// bindLocked records the idempotency binding, evicting the oldest one
// when the per-session cap is exceeded. Caller holds m.mu.
func (m *Manager) bindLocked(sessionID, key, promptID string, now time.Time) {
	m.idempotency[idemKey{sessionID, key}] = &binding{promptID: promptID, boundAt: now}

	var (
		count    int
		oldest   idemKey
		oldestAt time.Time
	)
	for k, b := range m.idempotency {
		if k.sessionID != sessionID {
			continue
		}
		count++
		if oldestAt.IsZero() || b.boundAt.Before(oldestAt) {
			oldest = k
			oldestAt = b.boundAt
		}
	}
	if count > m.idempotencyCap {
		delete(m.idempotency, oldest)
	}
}

// GetPrompt returns a prompt by session and id.
func (m *Manager) GetPrompt(sessionID, promptID string) (*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.prompts[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	p, ok := ps[promptID]
	if !ok {
		return nil, ErrPromptNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdatePromptStatus advances a prompt's status and token count. A
// prompt already in a terminal state keeps it; statuses never regress.
func (m *Manager) UpdatePromptStatus(sessionID, promptID string, status PromptStatus, tokenCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.prompts[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := ps[promptID]
	if !ok {
		return ErrPromptNotFound
	}
	if !p.Status.terminal() {
		p.Status = status
	}
	if tokenCount > 0 {
		p.TokenCount = tokenCount
	}
	return nil
}

// CachedDeltas returns the replay sequence for a completed idempotent
// prompt, or nil when the binding is absent or still in flight.
func (m *Manager) CachedDeltas(sessionID, idempotencyKey string) []stream.Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.idempotency[idemKey{sessionID, idempotencyKey}]
	if !ok || !b.complete {
		return nil
	}
	out := make([]stream.Delta, len(b.deltas))
	copy(out, b.deltas)
	return out
}

// StoreDeltas records the completed delta sequence under the binding.
// Written exactly once at completion; read-only thereafter.
func (m *Manager) StoreDeltas(sessionID, idempotencyKey string, deltas []stream.Delta) {
	if idempotencyKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.idempotency[idemKey{sessionID, idempotencyKey}]
	if !ok || b.complete {
		return
	}
	b.deltas = make([]stream.Delta, len(deltas))
	copy(b.deltas, deltas)
	b.complete = true
}

// ReleaseIdempotency drops an incomplete binding still held by
// promptID so the key can be resubmitted after a failed or cancelled
// generation. Completed bindings and bindings re-bound to a newer
// prompt are left alone.
func (m *Manager) ReleaseIdempotency(sessionID, idempotencyKey, promptID string) {
	if idempotencyKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey{sessionID, idempotencyKey}
	if b, ok := m.idempotency[k]; ok && !b.complete && b.promptID == promptID {
		delete(m.idempotency, k)
	}
}

// PromptCount returns the number of prompts held for a session.
func (m *Manager) PromptCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prompts[sessionID])
}

// CleanupExpired removes expired sessions together with their prompts
// and idempotency bindings. Returns the number of sessions removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, s := range m.sessions {
		if !now.After(s.ExpiresAt) {
			continue
		}
		delete(m.sessions, id)
		delete(m.prompts, id)
		for k := range m.idempotency {
			if k.sessionID == id {
				delete(m.idempotency, k)
			}
		}
		removed++
	}
	if removed > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		metrics.SessionsExpired.Add(float64(removed))
		m.logger.Info("Cleaned up expired sessions", zap.Int("count", removed))
	}
	return removed
}

// StartSweeper launches the periodic expiry sweeper. The sweeper is the
// single background writer for expiry.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopSweep:
					return
				case <-ticker.C:
					m.CleanupExpired()
				}
			}
		}()
	})
}

// Close stops the sweeper.
func (m *Manager) Close() {
	close(m.stopSweep)
}
