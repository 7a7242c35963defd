// Package cancellation tracks cancel handles for in-flight prompts so
// that callers and graceful shutdown can terminate streams.
package cancellation

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry maps prompt IDs to cancel functions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]context.CancelFunc
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles: make(map[string]context.CancelFunc),
		logger:  logger,
	}
}

// Register stores the cancel handle for a prompt. Registering the same
// prompt twice replaces the handle.
func (r *Registry) Register(promptID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.handles[promptID] = cancel
	r.mu.Unlock()
}

// Unregister removes the handle without invoking it.
func (r *Registry) Unregister(promptID string) {
	r.mu.Lock()
	delete(r.handles, promptID)
	r.mu.Unlock()
}

// Cancel signals the handle for a prompt. Returns false if the prompt is
// not registered (already finished or never started).
func (r *Registry) Cancel(promptID string) bool {
	r.mu.RLock()
	cancel, ok := r.handles[promptID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll signals every registered handle. Used on graceful shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	handles := make([]context.CancelFunc, 0, len(r.handles))
	n := len(r.handles)
	for _, cancel := range r.handles {
		handles = append(handles, cancel)
	}
	r.mu.RUnlock()

	for _, cancel := range handles {
		cancel()
	}
	if n > 0 {
		r.logger.Info("Cancelled all in-flight prompts", zap.Int("count", n))
	}
}

// ActivePromptIDs returns the IDs of all registered prompts.
func (r *Registry) ActivePromptIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of in-flight prompts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
