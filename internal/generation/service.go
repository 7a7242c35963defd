// Package generation orchestrates one prompt's lifecycle: retrieval,
// provider streaming, normalization, and delta delivery.
package generation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/cancellation"
	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/modelprov"
	"github.com/tessellate-ai/ragcore/internal/session"
	"github.com/tessellate-ai/ragcore/internal/stream"
	"github.com/tessellate-ai/ragcore/internal/vectorstore"
)

// Embedder is the slice of the embedding service that retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config controls generation defaults.
type Config struct {
	// TopK is the default number of context chunks retrieved per prompt.
	TopK int
	// Timeout bounds one generation end to end.
	Timeout time.Duration
	// ChannelBuffer sizes the outbound delta channel; 0 is unbuffered.
	ChannelBuffer int
	// DedupConsecutive collapses consecutive identical raw chunks.
	DedupConsecutive bool
}

// Options are per-request overrides.
type Options struct {
	TopK           int
	Filter         *vectorstore.Filter
	IdempotencyKey string
	Model          string
}

// Service runs retrieval-augmented generations.
type Service struct {
	cfg      Config
	sessions *session.Manager
	embedder Embedder
	store    vectorstore.Store
	provider modelprov.Provider
	registry *cancellation.Registry
	logger   *zap.Logger
}

// NewService wires the generation pipeline.
func NewService(cfg Config, sessions *session.Manager, embedder Embedder, store vectorstore.Store, provider modelprov.Provider, registry *cancellation.Registry, logger *zap.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ChannelBuffer < 0 {
		cfg.ChannelBuffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		embedder: embedder,
		store:    store,
		provider: provider,
		registry: registry,
		logger:   logger,
	}
}

// Generate starts one generation and returns its delta stream along
// with the prompt record. A resubmitted idempotency key replays the
// original deltas verbatim instead of invoking the model again.
func (s *Service) Generate(ctx context.Context, sessionID, promptText string, opts Options) (*session.Prompt, <-chan stream.Delta, error) {
	if promptText == "" {
		return nil, nil, fault.New(fault.CodeInvalidRequest, "prompt text is required")
	}

	prompt, replayed, err := s.sessions.CreatePrompt(sessionID, promptText, opts.IdempotencyKey)
	if err != nil {
		return nil, nil, mapSessionErr(err)
	}

	if replayed {
		deltas := s.sessions.CachedDeltas(sessionID, opts.IdempotencyKey)
		if deltas == nil {
			// Original submission has not completed yet; duplicates
			// cannot attach to a live stream.
			return nil, nil, fault.New(fault.CodeInvalidRequest,
				"prompt with this idempotency key is still in flight")
		}
		metrics.PromptsReplayed.Inc()
		s.logger.Info("Replaying prompt",
			zap.String("session_id", sessionID), zap.String("prompt_id", prompt.ID))
		return prompt, replayChannel(ctx, deltas), nil
	}

	metrics.PromptsStarted.Inc()

	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	s.registry.Register(prompt.ID, cancel)

	contexts := s.retrieve(genCtx, promptText, topK, opts.Filter)

	raw, err := s.provider.Stream(genCtx, modelprov.Request{
		Prompt:  promptText,
		Context: contexts,
		Model:   opts.Model,
	})
	if err != nil {
		s.registry.Unregister(prompt.ID)
		cancel()
		s.finish(sessionID, prompt.ID, opts.IdempotencyKey, session.PromptError, 0, nil)
		metrics.RecordGenerationError(s.providerLabel(), "provider_unavailable")
		return nil, nil, err
	}

	// Resolve the serving provider once; concurrent prompts may move
	// the chain's last-used marker while this one is still streaming.
	label := s.providerLabel()

	normalizer := stream.NewNormalizer(s.cfg.DedupConsecutive)
	deltas := normalizer.Run(genCtx, prompt.ID, raw)

	out := make(chan stream.Delta, s.cfg.ChannelBuffer)
	go s.pump(genCtx, cancel, sessionID, prompt.ID, opts.IdempotencyKey, label, deltas, out)
	return prompt, out, nil
}

// retrieve embeds the prompt and queries the store. Retrieval failures
// degrade to an empty context rather than failing the generation.
func (s *Service) retrieve(ctx context.Context, promptText string, topK int, filter *vectorstore.Filter) []string {
	vec, err := s.embedder.Embed(ctx, promptText)
	if err != nil {
		s.logger.Warn("Embedding failed, generating without context", zap.Error(err))
		metrics.RecordGenerationError(s.providerLabel(), "embedding_degraded")
		return nil
	}

	matches, err := s.store.Query(ctx, vec, topK, filter)
	if err != nil {
		s.logger.Warn("Retrieval failed, generating without context", zap.Error(err))
		metrics.RecordGenerationError(s.providerLabel(), "retrieval_degraded")
		return nil
	}

	contexts := make([]string, 0, len(matches))
	for _, m := range matches {
		contexts = append(contexts, m.Chunk.Text)
	}
	return contexts
}

// pump forwards normalized deltas to the caller while tracking metrics
// and prompt state. It owns the terminal bookkeeping: prompt status,
// delta caching for replay, and handle cleanup.
func (s *Service) pump(ctx context.Context, cancel context.CancelFunc, sessionID, promptID, idemKey, label string, in <-chan stream.Delta, out chan<- stream.Delta) {
	defer close(out)
	defer cancel()
	defer s.registry.Unregister(promptID)

	var (
		start      = time.Now()
		firstToken time.Time
		tokens     int
		history    []stream.Delta
		terminal   stream.DeltaType
	)

	for d := range in {
		if d.Type == stream.DeltaToken {
			if tokens == 0 {
				firstToken = time.Now()
				metrics.RecordTTF(label, float64(firstToken.Sub(start).Milliseconds()))
			}
			tokens++
			metrics.RecordToken(label)
		}
		if d.Type == stream.DeltaDone || d.Type == stream.DeltaError {
			terminal = d.Type
		}
		history = append(history, d)

		select {
		case out <- d:
		case <-ctx.Done():
			s.finish(sessionID, promptID, idemKey, session.PromptCancelled, tokens, nil)
			return
		}
	}

	switch terminal {
	case stream.DeltaDone:
		if tokens > 0 && !firstToken.IsZero() {
			elapsed := time.Since(firstToken).Seconds()
			if elapsed > 0 {
				metrics.RecordThroughput(label, float64(tokens)/elapsed)
			}
		}
		s.finish(sessionID, promptID, idemKey, session.PromptDone, tokens, history)
	case stream.DeltaError:
		metrics.RecordGenerationError(label, "stream_error")
		s.finish(sessionID, promptID, idemKey, session.PromptError, tokens, nil)
	default:
		// Channel closed without a terminal delta: cancellation.
		s.finish(sessionID, promptID, idemKey, session.PromptCancelled, tokens, nil)
	}
}

// finish records terminal prompt state. The delta history is cached for
// replay only on clean completion; any other terminal state releases
// the idempotency binding so the key can be resubmitted.
func (s *Service) finish(sessionID, promptID, idemKey string, status session.PromptStatus, tokens int, history []stream.Delta) {
	// Settle the binding before the terminal status becomes visible so
	// a retry never observes a finished prompt with a stale binding.
	if idemKey != "" {
		if status == session.PromptDone && history != nil {
			s.sessions.StoreDeltas(sessionID, idemKey, history)
		} else {
			s.sessions.ReleaseIdempotency(sessionID, idemKey, promptID)
		}
	}
	_ = s.sessions.UpdatePromptStatus(sessionID, promptID, status, tokens)
	s.logger.Info("Prompt finished",
		zap.String("session_id", sessionID),
		zap.String("prompt_id", promptID),
		zap.String("status", string(status)),
		zap.Int("tokens", tokens))
}

// Cancel stops an in-flight prompt. Returns true when a live stream was
// signalled; false when the prompt had already finished.
func (s *Service) Cancel(sessionID, promptID string) (bool, error) {
	if _, err := s.sessions.GetPrompt(sessionID, promptID); err != nil {
		return false, mapSessionErr(err)
	}
	cancelled := s.registry.Cancel(promptID)
	if cancelled {
		s.logger.Info("Cancelled prompt",
			zap.String("session_id", sessionID), zap.String("prompt_id", promptID))
	}
	return cancelled, nil
}

// providerLabel names the backing provider for metric attribution,
// unwrapping the failover chain when one is in use.
func (s *Service) providerLabel() string {
	if c, ok := s.provider.(*modelprov.Chain); ok {
		if used := c.LastUsed(); used != "" {
			return used
		}
	}
	return s.provider.Name()
}

// replayChannel re-emits a cached delta sequence verbatim.
func replayChannel(ctx context.Context, deltas []stream.Delta) <-chan stream.Delta {
	out := make(chan stream.Delta)
	go func() {
		defer close(out)
		for _, d := range deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func mapSessionErr(err error) error {
	switch err {
	case session.ErrSessionNotFound:
		return fault.Wrap(fault.CodeInvalidRequest, err, "unknown session")
	case session.ErrSessionExpired:
		return fault.Wrap(fault.CodeSessionExpired, err, "session expired")
	case session.ErrPromptNotFound:
		return fault.Wrap(fault.CodeInvalidRequest, err, "unknown prompt")
	default:
		return err
	}
}
