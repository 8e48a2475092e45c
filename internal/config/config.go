// Package config holds OPERATOR-LEVEL configuration for a Hearthlink process.
//
// This is infrastructure config set by whoever deploys Hearthlink, NOT
// per-user or per-persona state (that lives in the session and memory
// stores). Values merge from env vars (HEARTHLINK_*), an optional
// hearthlink.config.yaml, and the defaults documented below.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the HEARTHLINK_ prefix
// (e.g. "embedding_model" → HEARTHLINK_EMBEDDING_MODEL) and to a YAML
// field in hearthlink.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeyDatabaseDriver      = "database_driver"
	KeyPostgresURL         = "postgres_url"
	KeyEmbeddingProvider   = "embedding_provider"
	KeyEmbeddingModel      = "embedding_model"
	KeyEmbeddingDimensions = "embedding_dimensions"
	KeyEmbeddingCacheSize  = "embedding_cache_size"
	KeyEmbeddingBatchSize  = "embedding_batch_size"
	KeyOllamaBaseURL       = "ollama_base_url"
	KeyOpenAIAPIKey        = "openai_api_key"
	KeyLLMProvider         = "llm_provider"
	KeyLLMModel            = "llm_model"
	KeyRequestTimeout      = "request_timeout_seconds"
	KeySessionExpiryHours  = "session_expiry_hours"
	KeySessionIdleMinutes  = "session_idle_minutes"
	KeyRetentionPolicy     = "retention_policy"
	KeyOTelEnabled         = "otel_enabled"
)

// Defaults. The embedding defaults match all-MiniLM-L6-v2, the model the
// memory schema was sized for (384-dim vectors).
const (
	DefaultDatabaseDriver      = "sqlite"
	DefaultEmbeddingProvider   = "ollama"
	DefaultEmbeddingModel      = "all-minilm"
	DefaultEmbeddingDimensions = 384
	DefaultEmbeddingCacheSize  = 1000
	DefaultEmbeddingBatchSize  = 32
	DefaultOllamaURL           = "http://localhost:11434"
	DefaultLLMProvider         = "ollama"
	DefaultLLMModel            = "llama3"
	DefaultRequestTimeoutSecs  = 30
	DefaultSessionExpiryHours  = 24
	DefaultSessionIdleMinutes  = 120
	DefaultRetentionPolicy     = "moderate"
)

// Config holds resolved operator-level configuration for a Hearthlink process.
type Config struct {
	DataDir             string        // Base directory for all state (~/.hearthlink)
	DatabaseDriver      string        // "sqlite" or "postgres"
	PostgresURL         string        // Connection string when driver is postgres
	EmbeddingProvider   string        // "ollama", "openai", or "hash" (dev/test)
	EmbeddingModel      string        // Embedding model name
	EmbeddingDimensions int           // Vector dimension fixed by the model
	EmbeddingCacheSize  int           // Max cached embeddings before batch eviction
	EmbeddingBatchSize  int           // Texts per backend call in batch generation
	OllamaBaseURL       string        // Ollama API endpoint
	OpenAIAPIKey        string        // OpenAI key; OPENAI_API_KEY fallback
	LLMProvider         string        // "ollama" or "openai"
	LLMModel            string        // Chat model name
	RequestTimeout      time.Duration // Timeout on every outbound backend call
	SessionExpiryHours  int           // Default session lifetime
	SessionIdleMinutes  int           // Idle threshold before status=idle
	RetentionPolicy     string        // "aggressive", "moderate", "conservative"
	OTelEnabled         bool          // Enable stdout trace/metric exporters
}

// SessionsDBPath returns the full path to the sessions SQLite database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("HEARTHLINK")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDatabaseDriver, DefaultDatabaseDriver)
	viper.SetDefault(KeyEmbeddingProvider, DefaultEmbeddingProvider)
	viper.SetDefault(KeyEmbeddingModel, DefaultEmbeddingModel)
	viper.SetDefault(KeyEmbeddingDimensions, DefaultEmbeddingDimensions)
	viper.SetDefault(KeyEmbeddingCacheSize, DefaultEmbeddingCacheSize)
	viper.SetDefault(KeyEmbeddingBatchSize, DefaultEmbeddingBatchSize)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyLLMProvider, DefaultLLMProvider)
	viper.SetDefault(KeyLLMModel, DefaultLLMModel)
	viper.SetDefault(KeyRequestTimeout, DefaultRequestTimeoutSecs)
	viper.SetDefault(KeySessionExpiryHours, DefaultSessionExpiryHours)
	viper.SetDefault(KeySessionIdleMinutes, DefaultSessionIdleMinutes)
	viper.SetDefault(KeyRetentionPolicy, DefaultRetentionPolicy)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		DatabaseDriver:      viper.GetString(KeyDatabaseDriver),
		PostgresURL:         viper.GetString(KeyPostgresURL),
		EmbeddingProvider:   viper.GetString(KeyEmbeddingProvider),
		EmbeddingModel:      viper.GetString(KeyEmbeddingModel),
		EmbeddingDimensions: viper.GetInt(KeyEmbeddingDimensions),
		EmbeddingCacheSize:  viper.GetInt(KeyEmbeddingCacheSize),
		EmbeddingBatchSize:  viper.GetInt(KeyEmbeddingBatchSize),
		OllamaBaseURL:       viper.GetString(KeyOllamaBaseURL),
		OpenAIAPIKey:        viper.GetString(KeyOpenAIAPIKey),
		LLMProvider:         viper.GetString(KeyLLMProvider),
		LLMModel:            viper.GetString(KeyLLMModel),
		RequestTimeout:      time.Duration(viper.GetInt(KeyRequestTimeout)) * time.Second,
		SessionExpiryHours:  viper.GetInt(KeySessionExpiryHours),
		SessionIdleMinutes:  viper.GetInt(KeySessionIdleMinutes),
		RetentionPolicy:     viper.GetString(KeyRetentionPolicy),
		OTelEnabled:         viper.GetBool(KeyOTelEnabled),
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hearthlink"
	}
	return filepath.Join(home, ".hearthlink")
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required when database_driver is postgres")
		}
	default:
		return fmt.Errorf("database_driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}

	switch c.EmbeddingProvider {
	case "ollama", "openai", "hash":
	default:
		return fmt.Errorf("embedding_provider must be ollama, openai, or hash, got %q", c.EmbeddingProvider)
	}

	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive")
	}
	if c.EmbeddingCacheSize <= 0 {
		return fmt.Errorf("embedding_cache_size must be positive")
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("embedding_batch_size must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	if c.SessionExpiryHours <= 0 {
		return fmt.Errorf("session_expiry_hours must be positive")
	}

	switch c.RetentionPolicy {
	case "aggressive", "moderate", "conservative":
	default:
		return fmt.Errorf("retention_policy must be aggressive, moderate, or conservative, got %q", c.RetentionPolicy)
	}
	return nil
}
