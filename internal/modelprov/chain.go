package modelprov

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/stream"
)

// Chain tries providers in configured order until one establishes a
// stream. Failover applies to connection establishment only; once a
// stream is open, mid-stream failures surface to the caller as-is.
type Chain struct {
	providers []Provider
	logger    *zap.Logger

	// lastUsed is set by Stream for attribution in metrics and the
	// done-delta metadata. Concurrent prompts overwrite it; callers
	// needing the exact serving provider read it right after their
	// Stream call returns.
	mu       sync.Mutex
	lastUsed string
}

// NewChain builds a failover chain. Order is significant.
func NewChain(providers []Provider, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{providers: providers, logger: logger}
}

func (c *Chain) Name() string { return "chain" }

// LastUsed returns the name of the provider that served the most
// recent successful Stream call.
func (c *Chain) LastUsed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Stream walks the chain until a provider accepts the request.
func (c *Chain) Stream(ctx context.Context, req Request) (<-chan stream.RawChunk, error) {
	if len(c.providers) == 0 {
		return nil, fault.New(fault.CodeProviderUnavailable, "no generation providers configured")
	}

	var lastErr error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ch, err := p.Stream(ctx, req)
		if err == nil {
			c.mu.Lock()
			c.lastUsed = p.Name()
			c.mu.Unlock()
			return ch, nil
		}
		lastErr = err
		c.logger.Warn("Provider failed to open stream, trying next",
			zap.String("provider", p.Name()), zap.Error(err))
	}
	return nil, fault.Wrap(fault.CodeProviderUnavailable, lastErr, "all generation providers failed")
}

// IsAvailable reports whether any provider in the chain is reachable.
func (c *Chain) IsAvailable(ctx context.Context) bool {
	for _, p := range c.providers {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}
