// Package embeddings provides embedding generation with a two-tier
// cache and resilient provider calls.
package embeddings

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/retry"
)

// Service provides embedding generation with caching and resilience.
type Service struct {
	cfg      Config
	provider Provider
	cache    EmbeddingCache // shared tier, may be nil
	lru      *LocalLRU
	breaker  *circuitbreaker.CircuitBreaker
	retry    *retry.Policy
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewService wires the embedding service. The declared dimension must be
// the store dimension; anything else is a configuration error.
func NewService(cfg Config, provider Provider, cache EmbeddingCache, logger *zap.Logger) (*Service, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = Dimension
	}
	if cfg.Dimension != Dimension {
		return nil, fault.New(fault.CodeInvalidRequest, "embedding dimension must be %d, got %d", Dimension, cfg.Dimension)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU <= 0 {
		cfg.MaxLRU = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Service{
		cfg:      cfg,
		provider: provider,
		cache:    cache,
		lru:      NewLocalLRU(cfg.MaxLRU),
		breaker:  circuitbreaker.New("embeddings", circuitbreaker.DefaultConfig(), logger),
		retry:    retry.NewPolicy(retryConfig()),
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// retryConfig fails fast on an open breaker and on cancellation; only
// transient provider errors are retried.
func retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Retryable = func(err error) bool {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return false
		}
		if errors.Is(err, context.Canceled) {
			return false
		}
		if fault.Is(err, fault.CodeEmbeddingFailure) {
			// Malformed provider response; retrying will not help.
			return false
		}
		// Per-call timeouts are transient and retried; outer-context
		// cancellation is handled by the retry loop itself.
		return true
	}
	return cfg
}

// Model returns the configured embedding model.
func (s *Service) Model() string { return s.cfg.Model }

// cachedGet consults the LRU then the shared tier, promoting hits.
func (s *Service) cachedGet(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbedding(s.cfg.Model, "lru_hit", 0)
		return v, true
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.RecordEmbedding(s.cfg.Model, "cache_hit", 0)
			return v, true
		}
	}
	return nil, false
}

func (s *Service) cachedSet(ctx context.Context, key string, v []float32) {
	s.lru.Set(ctx, key, v, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
	}
}

// callProvider runs one provider request under the rate limiter, retry
// policy, and circuit breaker.
func (s *Service) callProvider(ctx context.Context, texts []string) (vecs [][]float32, retries int, err error) {
	err = s.retry.Execute(ctx, func(ctx context.Context) error {
		retries++
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return s.breaker.Execute(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			out, callErr := s.provider.Embed(callCtx, texts, s.cfg.Model)
			if callErr != nil {
				return callErr
			}
			for _, v := range out {
				if len(v) != s.cfg.Dimension {
					return fault.New(fault.CodeEmbeddingFailure,
						"provider %s returned %d-dimension vector, want %d", s.provider.Name(), len(v), s.cfg.Dimension)
				}
			}
			vecs = out
			return nil
		})
	})
	retries-- // first attempt is not a retry
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return nil, retries, fault.Wrap(fault.CodeProviderUnavailable, err, "embedding provider circuit open")
		}
		return nil, retries, fault.Wrap(fault.CodeEmbeddingFailure, err, "embedding failed after retries")
	}
	return vecs, retries, nil
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.cachedGet(ctx, key); ok {
		return v, nil
	}

	start := time.Now()
	vecs, _, err := s.callProvider(ctx, []string{text})
	if err != nil {
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbedding(s.cfg.Model, "ok", time.Since(start).Seconds())

	s.cachedSet(ctx, key, vecs[0])
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, preserving input order.
// Cached entries are served locally; the rest go out in one request.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.cachedGet(ctx, key); ok {
			results[i] = v
			continue
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	vecs, _, err := s.callProvider(ctx, uncachedTexts)
	if err != nil {
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbedding(s.cfg.Model, "batch_ok", time.Since(start).Seconds())

	for i, v := range vecs {
		idx := uncachedIndices[i]
		results[idx] = v
		s.cachedSet(ctx, MakeKey(s.cfg.Model, uncachedTexts[i]), v)
	}
	return results, nil
}

// EmbedBatchWithMetadata embeds texts in sub-batches of batchSize and
// yields one record per input with provider, latency, cache and retry
// details. Input order is preserved.
func (s *Service) EmbedBatchWithMetadata(ctx context.Context, texts []string, batchSize int) ([]Result, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	out := make([]Result, len(texts))

	var pendingTexts []string
	var pendingIdx []int

	flush := func() error {
		if len(pendingTexts) == 0 {
			return nil
		}
		start := time.Now()
		vecs, retries, err := s.callProvider(ctx, pendingTexts)
		if err != nil {
			metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start).Seconds())
			return err
		}
		latency := float64(time.Since(start).Milliseconds())
		metrics.RecordEmbedding(s.cfg.Model, "batch_ok", time.Since(start).Seconds())
		for i, v := range vecs {
			idx := pendingIdx[i]
			out[idx] = Result{
				Vector:     v,
				Provider:   s.provider.Name(),
				Model:      s.cfg.Model,
				LatencyMS:  latency,
				TokenCount: chunker.CountTokens(pendingTexts[i], s.cfg.Model),
				FromCache:  false,
				Retries:    retries,
			}
			s.cachedSet(ctx, MakeKey(s.cfg.Model, pendingTexts[i]), v)
		}
		pendingTexts = pendingTexts[:0]
		pendingIdx = pendingIdx[:0]
		return nil
	}

	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.cachedGet(ctx, key); ok {
			out[i] = Result{
				Vector:    v,
				Provider:  s.provider.Name(),
				Model:     s.cfg.Model,
				FromCache: true,
			}
			continue
		}
		pendingTexts = append(pendingTexts, text)
		pendingIdx = append(pendingIdx, i)
		if len(pendingTexts) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsAvailable reports provider availability, short-circuiting when the
// breaker is open.
func (s *Service) IsAvailable(ctx context.Context) bool {
	if s.breaker.State() == circuitbreaker.StateOpen {
		return false
	}
	return s.provider.IsAvailable(ctx)
}
