// Package config provides configuration management for Recall.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables with the RECALL_ prefix. A .env file in the
// working directory is loaded into the environment by the CLI before Load runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/recall/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RECALL_"

// Config holds all configuration settings for the Recall service.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Cache      CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Embedding  EmbeddingConfig  `yaml:"embedding" envPrefix:"EMBEDDING_"`
	Vector     VectorConfig     `yaml:"vector" envPrefix:"VECTOR_"`
	Importance ImportanceConfig `yaml:"importance" envPrefix:"IMPORTANCE_"`
	Engine     EngineConfig     `yaml:"engine" envPrefix:"ENGINE_"`
	Sync       SyncConfig       `yaml:"sync" envPrefix:"SYNC_"`
	Security   SecurityConfig   `yaml:"security" envPrefix:"SECURITY_"`
	Log        logging.Config   `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Engine      string `yaml:"engine" env:"ENGINE"` // sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// CacheConfig configures the session cache tier.
type CacheConfig struct {
	MaxEntries  int           `yaml:"max_entries" env:"MAX_ENTRIES"`   // per session
	TTL         time.Duration `yaml:"ttl" env:"TTL"`                   // sliding
	MaxSessions int64         `yaml:"max_sessions" env:"MAX_SESSIONS"` // ristretto cost budget
}

// EmbeddingConfig configures the embedding provider and its protections.
type EmbeddingConfig struct {
	Provider      string        `yaml:"provider" env:"PROVIDER"` // ollama, openai or hash
	OllamaURL     string        `yaml:"ollama_url" env:"OLLAMA_URL"`
	OllamaModel   string        `yaml:"ollama_model" env:"OLLAMA_MODEL"`
	OpenAIAPIKey  string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIModel   string        `yaml:"openai_model" env:"OPENAI_MODEL"`
	OpenAIBaseURL string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	HashDimension int           `yaml:"hash_dimension" env:"HASH_DIMENSION"`
	MaxTokens     int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
	MaxFailures   uint32        `yaml:"max_failures" env:"MAX_FAILURES"`
	OpenTimeout   time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
}

// VectorConfig configures semantic search and backlog vectorization.
type VectorConfig struct {
	Backend             string        `yaml:"backend" env:"BACKEND"` // store or chromem
	Limit               int           `yaml:"limit" env:"LIMIT"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	BacklogBatchSize    int           `yaml:"backlog_batch_size" env:"BACKLOG_BATCH_SIZE"`
	BacklogPause        time.Duration `yaml:"backlog_pause" env:"BACKLOG_PAUSE"`
}

// ImportanceConfig tunes the importance weighting policy.
type ImportanceConfig struct {
	HalfLife        time.Duration `yaml:"half_life" env:"HALF_LIFE"`
	IntensityWeight float64       `yaml:"intensity_weight" env:"INTENSITY_WEIGHT"`
	ReferenceWeight float64       `yaml:"reference_weight" env:"REFERENCE_WEIGHT"`
	RecencyWeight   float64       `yaml:"recency_weight" env:"RECENCY_WEIGHT"`
	MilestoneBonus  float64       `yaml:"milestone_bonus" env:"MILESTONE_BONUS"`
}

// EngineConfig configures the memory facade and its vectorization workers.
type EngineConfig struct {
	NumWorkers      int           `yaml:"num_workers" env:"NUM_WORKERS"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CacheTimeout    time.Duration `yaml:"cache_timeout" env:"CACHE_TIMEOUT"`
	DurableTimeout  time.Duration `yaml:"durable_timeout" env:"DURABLE_TIMEOUT"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	RankedLimit     int           `yaml:"ranked_limit" env:"RANKED_LIMIT"`
	CandidateWindow int           `yaml:"candidate_window" env:"CANDIDATE_WINDOW"`
}

// SyncConfig configures the local-first sync coordinator.
type SyncConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	BufferPath string `yaml:"buffer_path" env:"BUFFER_PATH"`
}

// SecurityConfig contains authentication and throttling settings for the API.
type SecurityConfig struct {
	Mode          string  `yaml:"mode" env:"MODE"` // development or production
	APIToken      string  `yaml:"api_token" env:"API_TOKEN"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" env:"BURST"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         6464,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Engine:     "sqlite",
			SQLitePath: "./data/recall.db",
		},
		Cache: CacheConfig{
			MaxEntries:  10,
			TTL:         time.Hour,
			MaxSessions: 100_000,
		},
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			OllamaURL:     "http://localhost:11434",
			OllamaModel:   "nomic-embed-text",
			OpenAIModel:   "text-embedding-3-small",
			HashDimension: 256,
			MaxTokens:     8000,
			Timeout:       10 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
			MaxFailures:   3,
			OpenTimeout:   30 * time.Second,
		},
		Vector: VectorConfig{
			Backend:             "store",
			Limit:               5,
			SimilarityThreshold: 0.7,
			BacklogBatchSize:    20,
			BacklogPause:        time.Second,
		},
		Importance: ImportanceConfig{
			HalfLife:        30 * 24 * time.Hour,
			IntensityWeight: 1.0,
			ReferenceWeight: 0.35,
			RecencyWeight:   0.5,
			MilestoneBonus:  0.75,
		},
		Engine: EngineConfig{
			NumWorkers:      4,
			QueueSize:       1000,
			MaxRetries:      3,
			ShutdownTimeout: 30 * time.Second,
			CacheTimeout:    500 * time.Millisecond,
			DurableTimeout:  5 * time.Second,
			FetchTimeout:    2 * time.Second,
			RankedLimit:     5,
			CandidateWindow: 200,
		},
		Sync: SyncConfig{
			BufferPath: "./data/pending.db",
		},
		Security: SecurityConfig{
			Mode:          "development",
			RatePerSecond: 20,
			Burst:         40,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load resolves configuration from defaults, the YAML file at path (skipped
// when path is empty) and RECALL_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range or inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Storage.Engine {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite engine"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.engine must be sqlite or postgres, got %q", c.Storage.Engine))
	}

	if c.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %v", c.Cache.TTL))
	}

	switch c.Embedding.Provider {
	case "ollama", "hash":
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("embedding.openai_api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be ollama, openai or hash, got %q", c.Embedding.Provider))
	}
	if c.Embedding.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("embedding.max_tokens must be >= 1, got %d", c.Embedding.MaxTokens))
	}

	if c.Vector.Backend != "store" && c.Vector.Backend != "chromem" {
		errs = append(errs, fmt.Errorf("vector.backend must be store or chromem, got %q", c.Vector.Backend))
	}
	if c.Vector.SimilarityThreshold < 0 || c.Vector.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("vector.similarity_threshold must be within [0,1], got %v", c.Vector.SimilarityThreshold))
	}

	if c.Importance.HalfLife <= 0 {
		errs = append(errs, fmt.Errorf("importance.half_life must be positive, got %v", c.Importance.HalfLife))
	}

	if c.Engine.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("engine.num_workers must be >= 1, got %d", c.Engine.NumWorkers))
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be >= 1, got %d", c.Engine.QueueSize))
	}

	if c.Sync.Enabled && c.Sync.BufferPath == "" {
		errs = append(errs, errors.New("sync.buffer_path is required when sync is enabled"))
	}

	if c.Security.Mode != "development" && c.Security.Mode != "production" {
		errs = append(errs, fmt.Errorf("security.mode must be development or production, got %q", c.Security.Mode))
	}
	if c.Security.Mode == "production" && c.Security.APIToken == "" {
		errs = append(errs, errors.New("security.api_token is required in production mode"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
