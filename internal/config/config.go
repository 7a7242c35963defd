package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/tessellate-ai/ragcore/internal/tracing"
)

// Config is the full service configuration, loaded from YAML with
// environment overrides for deployment-level settings.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Embedding  EmbeddingConfig   `mapstructure:"embedding"`
	Vector     VectorStoreConfig `mapstructure:"vector_store"`
	Session    SessionConfig     `mapstructure:"session"`
	Generation GenerationConfig  `mapstructure:"generation"`
	Ingestion  IngestionConfig   `mapstructure:"ingestion"`
	Providers  []ProviderConfig  `mapstructure:"providers"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

type DatabaseConfig struct {
	// DSN is overridden by CONNECTION_STRING when set.
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type EmbeddingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Dimension int           `mapstructure:"dimension"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	MaxLRU    int           `mapstructure:"max_lru"`
	// RateLimit is provider requests per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type VectorStoreConfig struct {
	// Backend selects "postgres", "memory", or "auto".
	Backend string `mapstructure:"backend"`
	// InjectedLatency slows memory-backend queries for test tuning;
	// overridden by VECTOR_STORE_LATENCY_MS.
	InjectedLatency time.Duration `mapstructure:"injected_latency"`
}

type SessionConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	IdempotencyCap int           `mapstructure:"idempotency_cap"`
}

type GenerationConfig struct {
	TopK             int           `mapstructure:"top_k"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ChannelBuffer    int           `mapstructure:"channel_buffer"`
	DedupConsecutive bool          `mapstructure:"dedup_consecutive"`
}

type IngestionConfig struct {
	BatchSize         int  `mapstructure:"batch_size"`
	MaxRetries        int  `mapstructure:"max_retries"`
	MaxTokensPerChunk int  `mapstructure:"max_tokens_per_chunk"`
	Concurrency       int  `mapstructure:"concurrency"`
	ContinueOnError   bool `mapstructure:"continue_on_error"`
}

type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	Kind    string        `mapstructure:"kind"` // "http"
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file from CONFIG_PATH (default ./config.yaml),
// applies defaults and environment overrides. A missing file is not an
// error; defaults apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.cache_ttl", time.Hour)
	v.SetDefault("embedding.max_lru", 2048)
	// "auto" picks postgres when a DSN is present, else memory.
	v.SetDefault("vector_store.backend", "auto")
	v.SetDefault("session.timeout", time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.idempotency_cap", 128)
	v.SetDefault("generation.top_k", 5)
	v.SetDefault("generation.timeout", 30*time.Second)
	v.SetDefault("generation.channel_buffer", 16)
	v.SetDefault("generation.dedup_consecutive", true)
	v.SetDefault("ingestion.batch_size", 32)
	v.SetDefault("ingestion.max_retries", 3)
	v.SetDefault("ingestion.max_tokens_per_chunk", 1800)
	v.SetDefault("ingestion.concurrency", 4)
	v.SetDefault("ingestion.continue_on_error", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("CONNECTION_STRING"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.Tracing.OTLPEndpoint = ep
	}
	if ms := os.Getenv("VECTOR_STORE_LATENCY_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n >= 0 {
			cfg.Vector.InjectedLatency = time.Duration(n) * time.Millisecond
		}
	}
}
