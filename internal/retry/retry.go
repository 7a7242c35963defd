// Package retry implements the exponential backoff policy used around
// embedding and storage calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultConfig matches the resilience parameters used by the ingestion
// and embedding paths: 1s initial backoff, 3 attempts.
func DefaultConfig() Config {
	return Config{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}

// Policy executes functions with exponential backoff and jitter.
type Policy struct {
	config Config
}

// NewPolicy creates a retry policy, filling in defaults for zero fields.
func NewPolicy(config Config) *Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = time.Second
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Policy{config: config}
}

// Execute runs fn, retrying on retryable errors until attempts are
// exhausted or the context is done. The last error is returned as-is.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.config.Retryable != nil && !p.config.Retryable(err) {
			return err
		}
		if attempt >= p.config.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay calculates the next delay with +/-20% jitter.
func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := float64(p.config.InitialInterval) * math.Pow(p.config.Multiplier, float64(attempt-1))
	if delay > float64(p.config.MaxInterval) {
		delay = float64(p.config.MaxInterval)
	}
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}
