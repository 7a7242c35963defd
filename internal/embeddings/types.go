package embeddings

import (
	"context"
	"time"
)

// Dimension is the embedding width every stored vector must have.
const Dimension = 1536

// Config controls the embedding service.
type Config struct {
	Model     string
	Dimension int
	Timeout   time.Duration
	CacheTTL  time.Duration
	MaxLRU    int
	// RateLimit is provider requests per second; 0 disables limiting.
	RateLimit float64
}

// Provider turns text into vectors. Implementations must preserve input
// order in the returned slice.
type Provider interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// EmbeddingCache defines the shared cache tier operations.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// Result carries the per-request record emitted by
// EmbedBatchWithMetadata.
type Result struct {
	Vector     []float32
	Provider   string
	Model      string
	LatencyMS  float64
	TokenCount int
	FromCache  bool
	Retries    int
}
