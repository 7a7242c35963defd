package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/retry"
	"github.com/tessellate-ai/ragcore/internal/vectorstore"
)

// Embedder is the slice of the embedding service ingestion needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config controls pipeline defaults.
type Config struct {
	// BatchSize is the default embedding sub-batch size.
	BatchSize int
	// MaxTokensPerChunk is the default chunk budget.
	MaxTokensPerChunk int
	// Concurrency bounds documents processed in parallel.
	Concurrency int
	// MaxRetries is the default attempt count for the embedding and
	// upsert stages of one document.
	MaxRetries int
	// RetryBackoff is the initial backoff between stage attempts.
	RetryBackoff time.Duration
	// StopOnError aborts the batch on the first failed document. The
	// default is to keep going and report per-document failures.
	StopOnError bool
}

// Service runs the ingestion pipeline.
type Service struct {
	cfg      Config
	chunker  *chunker.Chunker
	embedder Embedder
	store    vectorstore.Store
	logger   *zap.Logger
}

// NewService wires the ingestion pipeline.
func NewService(cfg Config, embedder Embedder, store vectorstore.Store, logger *zap.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxTokensPerChunk <= 0 {
		cfg.MaxTokensPerChunk = 1800
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		chunker:  chunker.New(chunker.Config{MaxTokens: cfg.MaxTokensPerChunk}),
		embedder: embedder,
		store:    store,
		logger:   logger,
	}
}

// outcome is one document's processing result, slotted by input index
// so reports stay in submission order.
type outcome struct {
	chunks int
	err    *DocError
}

// Ingest processes a batch of documents. Per-document failures are
// reported in the result; the call itself errors on a malformed
// request, on the first failed document when continueOnError is false,
// or whenever the embedding provider is unavailable, which fails the
// whole batch regardless of continueOnError.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if len(req.Documents) == 0 {
		return nil, fault.New(fault.CodeInvalidRequest, "documents are required")
	}
	if len(req.Documents) > MaxDocumentsPerRequest {
		return nil, fault.New(fault.CodeInvalidRequest,
			"at most %d documents per request, got %d", MaxDocumentsPerRequest, len(req.Documents))
	}

	opts := req.Options
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.BatchSize
	}
	if opts.MaxTokensPerChunk <= 0 {
		opts.MaxTokensPerChunk = s.cfg.MaxTokensPerChunk
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = s.cfg.MaxRetries
	}
	continueOnError := !s.cfg.StopOnError
	if opts.ContinueOnError != nil {
		continueOnError = *opts.ContinueOnError
	}

	start := time.Now()
	outcomes := make([]outcome, len(req.Documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	var mu sync.Mutex

	for i := range req.Documents {
		g.Go(func() error {
			doc := &req.Documents[i]
			chunks, docErr, fatal := s.processDocument(gctx, doc, opts)

			mu.Lock()
			outcomes[i] = outcome{chunks: chunks, err: docErr}
			mu.Unlock()

			if fatal != nil {
				return fatal
			}
			if docErr != nil && !continueOnError {
				return fault.New(fault.CodeInvalidRequest,
					"document %s failed at %s: %s", doc.Identifier(), docErr.Stage, docErr.ErrorMessage)
			}
			return nil
		})
	}
	groupErr := g.Wait()

	result := &Result{
		IngestedDocumentIDs: []string{},
		Errors:              []DocError{},
	}
	for i := range req.Documents {
		o := outcomes[i]
		if o.err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, *o.err)
			metrics.IngestDocuments.WithLabelValues("error").Inc()
			metrics.IngestStageErrors.WithLabelValues(string(o.err.Stage)).Inc()
			continue
		}
		if o.chunks == 0 && groupErr != nil {
			// Never processed: the group aborted first.
			continue
		}
		result.SuccessCount++
		result.TotalChunks += o.chunks
		result.IngestedDocumentIDs = append(result.IngestedDocumentIDs, req.Documents[i].Identifier())
		metrics.IngestDocuments.WithLabelValues("ok").Inc()
	}
	result.DurationMS = time.Since(start).Milliseconds()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("Ingestion batch finished",
		zap.Int("documents", len(req.Documents)),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int("failed", result.FailureCount),
		zap.Int("chunks", result.TotalChunks),
		zap.Int64("duration_ms", result.DurationMS))

	// With continueOnError set, only a batch-fatal condition reaches
	// groupErr.
	if groupErr != nil {
		return result, groupErr
	}
	return result, nil
}

// processDocument runs one document through validation, chunking,
// embedding, and upsert. Returns the chunk count or the stage failure.
// The third return is non-nil only for conditions that must fail the
// whole batch, such as an unavailable embedding provider.
func (s *Service) processDocument(ctx context.Context, doc *Document, opts Options) (int, *DocError, error) {
	if err := s.validateDocument(doc); err != nil {
		return 0, &DocError{
			DocumentIdentifier: doc.Identifier(),
			ErrorMessage:       err.Error(),
			Stage:              StageValidation,
			IsRetryable:        false,
		}, nil
	}

	pieces := s.chunker.Chunk(doc.Text, s.embedder.Model(), opts.MaxTokensPerChunk, doc.Identifier())
	if len(pieces) == 0 {
		return 0, &DocError{
			DocumentIdentifier: doc.Identifier(),
			ErrorMessage:       "chunking produced no chunks",
			Stage:              StageChunking,
			IsRetryable:        false,
		}, nil
	}

	attrs := deriveFileAttributes(doc.FilePath)
	md := mergeMetadata(opts.MetadataDefaults, doc.Metadata)
	if attrs.Language != "" {
		md["language"] = attrs.Language
	}
	if hits := detectInjection(doc.Text); hits != nil {
		md["flagged_injection"] = true
		md["injection_patterns"] = hits
	}

	pol := retry.NewPolicy(retry.Config{
		InitialInterval: s.cfg.RetryBackoff,
		MaxAttempts:     opts.MaxRetries,
		Retryable:       fault.Retryable,
	})

	var vectors [][]float32
	if !opts.SkipEmbedding {
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Text
		}
		var vecs [][]float32
		err := pol.Execute(ctx, func(ctx context.Context) error {
			var embedErr error
			vecs, embedErr = s.embedBatched(ctx, texts, opts.BatchSize)
			return embedErr
		})
		if err != nil {
			docErr := &DocError{
				DocumentIdentifier: doc.Identifier(),
				ErrorMessage:       err.Error(),
				Stage:              StageEmbedding,
				IsRetryable:        fault.Retryable(err),
			}
			// A provider that cannot be reached at all (circuit open,
			// connection refused) fails the whole batch.
			if fault.Is(err, fault.CodeProviderUnavailable) {
				return 0, docErr, fault.Wrap(fault.CodeProviderUnavailable, err,
					"embedding provider unavailable, batch aborted")
			}
			return 0, docErr, nil
		}
		vectors = vecs
	}

	chunks := make([]*vectorstore.Chunk, len(pieces))
	for i, p := range pieces {
		c := &vectorstore.Chunk{
			RepoURL:          doc.RepoURL,
			FilePath:         doc.FilePath,
			Title:            doc.Title,
			Text:             p.Text,
			FileType:         attrs.FileType,
			IsCode:           attrs.IsCode,
			IsImplementation: attrs.IsImplementation,
			TokenCount:       p.TokenCount,
			ChunkIndex:       p.Index,
			TotalChunks:      len(pieces),
			Metadata:         md,
		}
		if vectors != nil {
			c.Embedding = vectors[i]
		}
		chunks[i] = c
	}

	err := pol.Execute(ctx, func(ctx context.Context) error {
		return s.store.BulkUpsert(ctx, chunks)
	})
	if err != nil {
		stage := StageUpsert
		if fault.Is(err, fault.CodeInvalidRequest) {
			stage = StageValidation
		}
		return 0, &DocError{
			DocumentIdentifier: doc.Identifier(),
			ErrorMessage:       err.Error(),
			Stage:              stage,
			IsRetryable:        fault.Retryable(err),
		}, nil
	}
	return len(pieces), nil, nil
}

func (s *Service) validateDocument(doc *Document) error {
	if doc.RepoURL == "" {
		return fault.New(fault.CodeInvalidRequest, "repoUrl is required")
	}
	if len(doc.RepoURL) > vectorstore.MaxRepoURLLen {
		return fault.New(fault.CodeInvalidRequest, "repoUrl exceeds %d characters", vectorstore.MaxRepoURLLen)
	}
	if doc.FilePath == "" {
		return fault.New(fault.CodeInvalidRequest, "filePath is required")
	}
	if len(doc.FilePath) > vectorstore.MaxFilePathLen {
		return fault.New(fault.CodeInvalidRequest, "filePath exceeds %d characters", vectorstore.MaxFilePathLen)
	}
	if doc.Text == "" {
		return fault.New(fault.CodeInvalidRequest, "text is required")
	}
	if len(doc.Text) > vectorstore.MaxTextBytes {
		return fault.New(fault.CodeInvalidRequest, "text exceeds %d bytes", vectorstore.MaxTextBytes)
	}
	return nil
}

// embedBatched embeds texts in sub-batches of batchSize, preserving
// order.
func (s *Service) embedBatched(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func mergeMetadata(defaults, docMD map[string]interface{}) map[string]interface{} {
	md := make(map[string]interface{}, len(defaults)+len(docMD))
	for k, v := range defaults {
		md[k] = v
	}
	for k, v := range docMD {
		md[k] = v
	}
	return md
}
