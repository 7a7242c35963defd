package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig() Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	p := NewPolicy(fastConfig())
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(fastConfig())
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	p := NewPolicy(fastConfig())
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("permanent")
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	p := NewPolicy(cfg)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestExecuteHonorsContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialInterval = time.Hour // would block without cancellation
	p := NewPolicy(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextDelayBackoffAndJitter(t *testing.T) {
	p := NewPolicy(Config{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     5,
	})

	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
	}
}

func TestNextDelayCapsAtMaxInterval(t *testing.T) {
	p := NewPolicy(Config{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      10,
		MaxAttempts:     10,
	})
	d := p.NextDelay(8)
	assert.LessOrEqual(t, d, 6*time.Second) // 5s cap plus jitter
}
