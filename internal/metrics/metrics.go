package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Generation metrics
	GenerationTTF = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_generation_ttf_ms",
			Help:    "Time to first token in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"provider"},
	)

	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_generation_tokens_total",
			Help: "Total number of token deltas emitted",
		},
		[]string{"provider"},
	)

	GenerationTokensPerSecond = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_generation_tokens_per_second",
			Help:    "Token throughput per completed stream",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"provider"},
	)

	GenerationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_generation_errors_total",
			Help: "Total number of generation errors",
		},
		[]string{"provider", "error_type"},
	)

	PromptsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_prompts_started_total",
			Help: "Total number of prompts started",
		},
	)

	PromptsReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_prompts_replayed_total",
			Help: "Total number of prompts served from the idempotency cache",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragcore_sessions_active",
			Help: "Number of live sessions",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_sessions_expired_total",
			Help: "Total number of sessions removed by the sweeper",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Vector store metrics
	VectorQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_vector_query_total",
			Help: "Total number of vector similarity queries",
		},
		[]string{"backend", "status"},
	)

	VectorQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_vector_query_latency_seconds",
			Help:    "Vector query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	VectorUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_vector_upsert_total",
			Help: "Total number of chunk upserts",
		},
		[]string{"backend", "status"},
	)

	// Ingestion metrics
	IngestDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_ingest_documents_total",
			Help: "Total number of documents processed by ingestion",
		},
		[]string{"status"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_ingest_batch_duration_seconds",
			Help:    "Ingestion batch duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	IngestStageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_ingest_stage_errors_total",
			Help: "Total number of per-document ingestion failures by stage",
		},
		[]string{"stage"},
	)
)

// RecordTTF records time-to-first-token for a provider.
func RecordTTF(provider string, millis float64) {
	GenerationTTF.WithLabelValues(provider).Observe(millis)
}

// RecordToken increments the token counter for a provider.
func RecordToken(provider string) {
	GenerationTokens.WithLabelValues(provider).Inc()
}

// RecordThroughput records per-stream token throughput.
func RecordThroughput(provider string, tokensPerSecond float64) {
	if tokensPerSecond > 0 {
		GenerationTokensPerSecond.WithLabelValues(provider).Observe(tokensPerSecond)
	}
}

// RecordGenerationError increments the error counter for a provider.
func RecordGenerationError(provider, errorType string) {
	GenerationErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordEmbedding records an embedding request outcome.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorQuery records a vector query outcome.
func RecordVectorQuery(backend, status string, durationSeconds float64) {
	VectorQueries.WithLabelValues(backend, status).Inc()
	if durationSeconds > 0 {
		VectorQueryLatency.WithLabelValues(backend).Observe(durationSeconds)
	}
}

// RecordVectorUpsert records a chunk upsert outcome.
func RecordVectorUpsert(backend, status string) {
	VectorUpserts.WithLabelValues(backend, status).Inc()
}
