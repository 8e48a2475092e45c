package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/MythologIQ/hearthlink/internal/config"
	"github.com/MythologIQ/hearthlink/internal/core"
	"github.com/MythologIQ/hearthlink/internal/embedding"
	"github.com/MythologIQ/hearthlink/internal/llm"
	"github.com/MythologIQ/hearthlink/internal/memory"
	"github.com/MythologIQ/hearthlink/internal/session"
)

// buildCore assembles the full pipeline from configuration. The returned
// close function releases both stores.
func buildCore(ctx context.Context) (*core.Core, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	var memStore memory.Store
	switch cfg.DatabaseDriver {
	case "postgres":
		memStore, err = memory.NewPostgresStore(ctx, cfg.PostgresURL, cfg.EmbeddingDimensions)
	default:
		memStore, err = memory.NewSQLiteStore(cfg.MemoryDBPath(), cfg.EmbeddingDimensions)
	}
	if err != nil {
		return nil, nil, err
	}

	sessStore, err := session.NewStore(cfg.SessionsDBPath())
	if err != nil {
		memStore.Close()
		return nil, nil, err
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		memStore.Close()
		sessStore.Close()
		return nil, nil, err
	}
	engine := embedding.NewEngine(embedder, cfg.EmbeddingCacheSize)

	provider, err := buildProvider(cfg)
	if err != nil {
		memStore.Close()
		sessStore.Close()
		return nil, nil, err
	}

	c := core.New(
		session.NewManager(sessStore, time.Duration(cfg.SessionExpiryHours)*time.Hour),
		memory.NewManager(memStore, engine),
		provider,
		memory.NewPruner(sessStore),
		cfg,
	)
	closeAll := func() {
		_ = sessStore.Close()
		_ = memStore.Close()
	}
	return c, closeAll, nil
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return embedding.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbeddingModel,
			cfg.EmbeddingDimensions, cfg.RequestTimeout), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("embedding provider openai requires an API key")
		}
		return embedding.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel,
			cfg.EmbeddingDimensions, cfg.RequestTimeout), nil
	case "hash":
		return embedding.NewHashEmbedder(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case "ollama":
		return llm.NewOllamaProvider(cfg.OllamaBaseURL), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: openai requires an API key", llm.ErrProviderNotAvailable)
		}
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", llm.ErrProviderNotAvailable, cfg.LLMProvider)
	}
}
