package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/cancellation"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/embeddings"
	"github.com/tessellate-ai/ragcore/internal/generation"
	"github.com/tessellate-ai/ragcore/internal/health"
	"github.com/tessellate-ai/ragcore/internal/httpapi"
	"github.com/tessellate-ai/ragcore/internal/ingestion"
	"github.com/tessellate-ai/ragcore/internal/modelprov"
	"github.com/tessellate-ai/ragcore/internal/session"
	"github.com/tessellate-ai/ragcore/internal/tracing"
	"github.com/tessellate-ai/ragcore/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ragcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing init failed, continuing without traces", zap.Error(err))
	}

	store, storePinger, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var sharedCache embeddings.EmbeddingCache
	var redisCache *embeddings.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = embeddings.NewRedisCache(cfg.Redis.Addr)
		if err != nil {
			logger.Warn("Redis unavailable, embedding cache is local only", zap.Error(err))
		} else {
			sharedCache = redisCache
		}
	}

	embedProvider := embeddings.NewHTTPProvider("embedding-service", cfg.Embedding.BaseURL, cfg.Embedding.Timeout)
	embedder, err := embeddings.NewService(embeddings.Config{
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
		CacheTTL:  cfg.Embedding.CacheTTL,
		MaxLRU:    cfg.Embedding.MaxLRU,
		RateLimit: cfg.Embedding.RateLimit,
	}, embedProvider, sharedCache, logger)
	if err != nil {
		return err
	}

	chain, err := modelprov.NewFromConfigs(providerConfigs(cfg.Providers), logger)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		Timeout:        cfg.Session.Timeout,
		SweepInterval:  cfg.Session.SweepInterval,
		IdempotencyCap: cfg.Session.IdempotencyCap,
	}, logger)
	sessions.StartSweeper(ctx, cfg.Session.SweepInterval)
	defer sessions.Close()

	registry := cancellation.NewRegistry(logger)

	generator := generation.NewService(generation.Config{
		TopK:             cfg.Generation.TopK,
		Timeout:          cfg.Generation.Timeout,
		ChannelBuffer:    cfg.Generation.ChannelBuffer,
		DedupConsecutive: cfg.Generation.DedupConsecutive,
	}, sessions, embedder, store, chain, registry, logger)

	ingestor := ingestion.NewService(ingestion.Config{
		BatchSize:         cfg.Ingestion.BatchSize,
		MaxTokensPerChunk: cfg.Ingestion.MaxTokensPerChunk,
		Concurrency:       cfg.Ingestion.Concurrency,
		MaxRetries:        cfg.Ingestion.MaxRetries,
		StopOnError:       !cfg.Ingestion.ContinueOnError,
	}, embedder, store, logger)

	healthMgr := health.NewManager(logger)
	if storePinger != nil {
		healthMgr.Register(health.NewPingChecker("vector_store", storePinger))
	}
	if redisCache != nil {
		healthMgr.Register(health.NewPingChecker("redis", redisCache))
	}
	healthMgr.Register(health.NewFuncChecker("embedding_provider", func(ctx context.Context) error {
		if !embedder.IsAvailable(ctx) {
			return fmt.Errorf("embedding provider unreachable")
		}
		return nil
	}))

	api := httpapi.NewHandler(sessions, generator, ingestor, store, logger)
	publicMux := http.NewServeMux()
	api.RegisterRoutes(publicMux)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", healthMgr.Handler())
	adminMux.Handle("/metrics", promhttp.Handler())

	publicSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     publicMux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: delta streams outlive any fixed bound and are
		// cancelled through the request context instead.
	}
	adminSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Public API listening", zap.Int("port", cfg.Server.Port))
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("Admin API listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	// Cancel in-flight streams first so handlers can drain, then stop
	// accepting connections.
	registry.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Public server shutdown incomplete", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

// buildStore selects the backend: postgres when a DSN is configured,
// otherwise the in-memory store.
func buildStore(cfg *config.Config, logger *zap.Logger) (vectorstore.Store, health.Pinger, error) {
	if cfg.Database.DSN != "" && cfg.Vector.Backend != "memory" {
		pg, err := vectorstore.NewPostgres(vectorstore.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxConnections:  cfg.Database.MaxConnections,
			IdleConnections: cfg.Database.IdleConnections,
			ConnMaxLifetime: cfg.Database.MaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using postgres vector store")
		return pg, pg, nil
	}
	logger.Info("Using in-memory vector store")
	return vectorstore.NewMemory(vectorstore.MemoryConfig{
		InjectedLatency: cfg.Vector.InjectedLatency,
	}, logger), nil, nil
}

func providerConfigs(cfgs []config.ProviderConfig) []modelprov.Config {
	out := make([]modelprov.Config, len(cfgs))
	for i, c := range cfgs {
		out[i] = modelprov.Config{
			Name:    c.Name,
			Kind:    c.Kind,
			BaseURL: c.BaseURL,
			Model:   c.Model,
			Timeout: c.Timeout,
		}
	}
	return out
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
