package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hlotel "github.com/MythologIQ/hearthlink/internal/otel"
)

var tracer = hlotel.Tracer("github.com/MythologIQ/hearthlink/internal/embedding")

// Stats is a snapshot of engine counters for health/monitoring output.
type Stats struct {
	Generated           int64         `json:"embeddings_generated"`
	CacheHits           int64         `json:"cache_hits"`
	CacheMisses         int64         `json:"cache_misses"`
	HitRate             float64       `json:"cache_hit_rate"`
	TotalGenerationTime time.Duration `json:"total_generation_time"`
	AvgGenerationTime   time.Duration `json:"avg_generation_time"`
	Model               string        `json:"model"`
	Dimension           int           `json:"dimension"`
	CacheLen            int           `json:"cache_size"`
	CacheCapacity       int           `json:"cache_capacity"`
}

// Engine generates embeddings through a backend Embedder with a shared
// content-hash cache. One Engine per process; constructed at the
// composition root and passed by handle to everything that embeds text.
type Engine struct {
	embedder Embedder
	cache    *Cache // nil when caching is disabled

	mu         sync.Mutex
	generated  int64
	hits       int64
	misses     int64
	genTimeSum time.Duration
}

// NewEngine creates an engine over the given backend with a cache of
// cacheSize entries. cacheSize <= 0 disables caching.
func NewEngine(embedder Embedder, cacheSize int) *Engine {
	e := &Engine{embedder: embedder}
	if cacheSize > 0 {
		e.cache = NewCache(cacheSize)
	}
	return e
}

// Dimensions returns the backend's fixed vector size.
func (e *Engine) Dimensions() int { return e.embedder.Dimensions() }

// ModelName returns the backend model identifier.
func (e *Engine) ModelName() string { return e.embedder.ModelName() }

// Generate embeds a single text, serving from cache when possible.
// Identical text and model configuration yield an identical vector.
func (e *Engine) Generate(ctx context.Context, text string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "embedding.generate",
		trace.WithAttributes(
			hlotel.GenAIRequestModel.String(e.embedder.ModelName()),
			attribute.Int("embedding.text_length", len(text)),
		))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	hash := TextHash(text)
	if e.cache != nil {
		if cached, ok := e.cache.Get(hash); ok {
			e.recordHit(ctx)
			span.SetAttributes(attribute.Bool("embedding.cache_hit", true))
			cached.CacheHit = true
			return &cached, nil
		}
	}

	start := time.Now()
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generating embedding: %w", err)
	}
	if len(vec) != e.embedder.Dimensions() {
		return nil, fmt.Errorf("%w: backend returned %d dims, model %q expects %d",
			ErrDimensionMismatch, len(vec), e.embedder.ModelName(), e.embedder.Dimensions())
	}
	elapsed := time.Since(start)

	res := Result{
		Embedding:      vec,
		Dimension:      len(vec),
		Model:          e.embedder.ModelName(),
		GenerationTime: elapsed,
		TextHash:       hash,
	}
	e.recordMiss(ctx, 1, elapsed)
	if e.cache != nil {
		e.cache.Put(hash, res)
		cacheSizeGauge.Record(ctx, int64(e.cache.Len()))
	}
	return &res, nil
}

// GenerateBatch embeds multiple texts, preserving input order in the output.
// Cached texts bypass the backend entirely; the remainder is partitioned
// into chunks of at most batchSize to amortize per-call overhead.
func (e *Engine) GenerateBatch(ctx context.Context, texts []string, batchSize int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "embedding.generate_batch",
		trace.WithAttributes(
			hlotel.GenAIRequestModel.String(e.embedder.ModelName()),
			attribute.Int("embedding.batch_input", len(texts)),
		))
	defer span.End()

	if batchSize <= 0 {
		batchSize = 32
	}

	results := make([]Result, len(texts))
	var pendingIdx []int
	var pendingTexts []string

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("batch item %d: %w", i, ErrEmptyText)
		}
		hash := TextHash(text)
		if e.cache != nil {
			if cached, ok := e.cache.Get(hash); ok {
				cached.CacheHit = true
				results[i] = cached
				e.recordHit(ctx)
				continue
			}
		}
		pendingIdx = append(pendingIdx, i)
		pendingTexts = append(pendingTexts, text)
	}

	for off := 0; off < len(pendingTexts); off += batchSize {
		end := off + batchSize
		if end > len(pendingTexts) {
			end = len(pendingTexts)
		}
		chunk := pendingTexts[off:end]

		start := time.Now()
		vecs, err := e.embedder.EmbedBatch(ctx, chunk)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("generating embedding batch: %w", err)
		}
		if len(vecs) != len(chunk) {
			return nil, fmt.Errorf("%w: backend returned %d vectors for %d texts",
				ErrModelUnavailable, len(vecs), len(chunk))
		}
		elapsed := time.Since(start)
		perItem := elapsed / time.Duration(len(chunk))

		for j, vec := range vecs {
			if len(vec) != e.embedder.Dimensions() {
				return nil, fmt.Errorf("%w: batch item returned %d dims, expected %d",
					ErrDimensionMismatch, len(vec), e.embedder.Dimensions())
			}
			idx := pendingIdx[off+j]
			hash := TextHash(chunk[j])
			res := Result{
				Embedding:      vec,
				Dimension:      len(vec),
				Model:          e.embedder.ModelName(),
				GenerationTime: perItem,
				TextHash:       hash,
			}
			results[idx] = res
			if e.cache != nil {
				e.cache.Put(hash, res)
			}
		}
		e.recordMiss(ctx, int64(len(chunk)), elapsed)
	}

	if e.cache != nil {
		cacheSizeGauge.Record(ctx, int64(e.cache.Len()))
	}
	span.SetAttributes(attribute.Int("embedding.batch_generated", len(pendingTexts)))
	log.Debug().
		Int("texts", len(texts)).
		Int("generated", len(pendingTexts)).
		Int("cache_hits", len(texts)-len(pendingTexts)).
		Msg("embedding_batch_completed")
	return results, nil
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Generated:           e.generated,
		CacheHits:           e.hits,
		CacheMisses:         e.misses,
		TotalGenerationTime: e.genTimeSum,
		Model:               e.embedder.ModelName(),
		Dimension:           e.embedder.Dimensions(),
	}
	if e.generated > 0 {
		s.AvgGenerationTime = e.genTimeSum / time.Duration(e.generated)
	}
	if total := e.hits + e.misses; total > 0 {
		s.HitRate = float64(e.hits) / float64(total)
	}
	if e.cache != nil {
		s.CacheLen = e.cache.Len()
		s.CacheCapacity = e.cache.Capacity()
	}
	return s
}

// ClearCache drops all cached embeddings.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) recordHit(ctx context.Context) {
	e.mu.Lock()
	e.hits++
	e.mu.Unlock()
	cacheHitsTotal.Add(ctx, 1)
}

func (e *Engine) recordMiss(ctx context.Context, generated int64, elapsed time.Duration) {
	e.mu.Lock()
	e.misses += generated
	e.generated += generated
	e.genTimeSum += elapsed
	e.mu.Unlock()
	cacheMissTotal.Add(ctx, generated)
	generatedTotal.Add(ctx, generated)
}
