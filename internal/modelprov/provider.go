// Package modelprov abstracts streaming text-generation backends and
// provides ordered failover across them.
package modelprov

import (
	"context"
	"time"

	"github.com/tessellate-ai/ragcore/internal/stream"
)

// Request is one generation call. Context carries the retrieved chunk
// texts, most similar first.
type Request struct {
	Prompt  string
	Context []string
	Model   string
}

// Provider is a streaming generation backend. Stream returns once the
// upstream connection is established; the channel then carries raw
// bytes until the model finishes, errors, or ctx is cancelled. The
// provider closes the channel.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan stream.RawChunk, error)
	IsAvailable(ctx context.Context) bool
}

// Config describes one configured provider.
type Config struct {
	Name    string        `mapstructure:"name"`
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}
