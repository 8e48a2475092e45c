package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MythologIQ/hearthlink/internal/embedding"
	hlotel "github.com/MythologIQ/hearthlink/internal/otel"
)

var tracer = hlotel.Tracer("github.com/MythologIQ/hearthlink/internal/memory")

// StoreParams is the write-side input to the manager. Callers never supply
// vectors; the manager embeds content itself so a slice can never carry an
// embedding that disagrees with its text.
type StoreParams struct {
	SliceID        string
	PersonaID      string
	UserID         string
	Content        string
	MemoryType     string
	Keywords       []string
	RelevanceScore float64
	Metadata       map[string]any
}

// Manager coordinates embedding generation and slice persistence.
// Writes propagate failures; reads degrade to empty results so a retrieval
// hiccup never takes down the caller's conversation.
type Manager struct {
	store  Store
	engine *embedding.Engine
}

// NewManager wires a manager over the given store and embedding engine.
func NewManager(store Store, engine *embedding.Engine) *Manager {
	return &Manager{store: store, engine: engine}
}

// StoreMemory validates params, generates the embedding, and persists the
// slice. The embedding is computed in full before any write; a backend or
// storage failure leaves no partial slice behind.
func (m *Manager) StoreMemory(ctx context.Context, p StoreParams) (string, error) {
	ctx, span := tracer.Start(ctx, "memory.store",
		trace.WithAttributes(attribute.String("memory.type", p.MemoryType)))
	defer span.End()

	if strings.TrimSpace(p.Content) == "" {
		return "", fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if !ValidType(p.MemoryType) {
		return "", fmt.Errorf("%w: unknown memory type %q", ErrValidation, p.MemoryType)
	}
	if p.RelevanceScore < 0 || p.RelevanceScore > 1 {
		return "", fmt.Errorf("%w: relevance_score %v outside [0,1]", ErrValidation, p.RelevanceScore)
	}
	if p.SliceID == "" {
		p.SliceID = uuid.NewString()
	}

	res, err := m.engine.Generate(ctx, p.Content)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("embedding memory content: %w", err)
	}

	slice := &Slice{
		SliceID:        p.SliceID,
		PersonaID:      p.PersonaID,
		UserID:         p.UserID,
		Content:        p.Content,
		MemoryType:     p.MemoryType,
		Keywords:       p.Keywords,
		Embedding:      res.Embedding,
		RelevanceScore: p.RelevanceScore,
		Metadata:       p.Metadata,
	}
	if err := m.store.Upsert(ctx, slice); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persisting memory slice: %w", err)
	}

	slicesStoredTotal.Add(ctx, 1)
	log.Debug().
		Str("slice_id", slice.SliceID).
		Str("persona_id", slice.PersonaID).
		Str("memory_type", slice.MemoryType).
		Bool("embedding_cached", res.CacheHit).
		Msg("memory_slice_stored")
	return slice.SliceID, nil
}

// SemanticRetrieve embeds the query and returns scope slices ranked by
// cosine similarity. Embedding or storage failures degrade to an empty
// result with a logged warning; the error is not surfaced.
func (m *Manager) SemanticRetrieve(ctx context.Context, query string, scope OwnerScope, types []string, limit int, minSimilarity float64) []SearchResult {
	ctx, span := tracer.Start(ctx, "memory.semantic_retrieve")
	defer span.End()

	res, err := m.engine.Generate(ctx, query)
	if err != nil {
		return m.degrade(ctx, span, "semantic_retrieve_embed_failed", err)
	}
	results, err := m.store.SemanticSearch(ctx, res.Embedding, scope, types, limit, minSimilarity)
	if err != nil {
		return m.degrade(ctx, span, "semantic_retrieve_search_failed", err)
	}
	m.touch(ctx, results)
	retrievalsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.results", len(results)))
	return results
}

// HybridRetrieve blends keyword overlap with semantic similarity, with the
// same graceful degradation as SemanticRetrieve.
func (m *Manager) HybridRetrieve(ctx context.Context, query string, queryKeywords []string, scope OwnerScope, types []string, limit int, kwWeight, semWeight float64) []SearchResult {
	ctx, span := tracer.Start(ctx, "memory.hybrid_retrieve")
	defer span.End()

	res, err := m.engine.Generate(ctx, query)
	if err != nil {
		return m.degrade(ctx, span, "hybrid_retrieve_embed_failed", err)
	}
	results, err := m.store.HybridSearch(ctx, res.Embedding, queryKeywords, scope, types, limit, kwWeight, semWeight)
	if err != nil {
		return m.degrade(ctx, span, "hybrid_retrieve_search_failed", err)
	}
	m.touch(ctx, results)
	retrievalsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.results", len(results)))
	return results
}

// GetSlice returns a slice by ID, propagating ErrSliceNotFound.
func (m *Manager) GetSlice(ctx context.Context, sliceID string) (*Slice, error) {
	return m.store.Get(ctx, sliceID)
}

// DeleteSlice removes a slice.
func (m *Manager) DeleteSlice(ctx context.Context, sliceID string) error {
	return m.store.Delete(ctx, sliceID)
}

// StoreReasoningChain persists an inference trace. Write failures propagate.
func (m *Manager) StoreReasoningChain(ctx context.Context, c *ReasoningChain) (string, error) {
	if c.ChainID == "" {
		c.ChainID = uuid.NewString()
	}
	if strings.TrimSpace(c.InitialQuery) == "" {
		return "", fmt.Errorf("%w: initial_query is empty", ErrValidation)
	}
	if err := m.store.UpsertChain(ctx, c); err != nil {
		return "", fmt.Errorf("persisting reasoning chain: %w", err)
	}
	log.Debug().
		Str("chain_id", c.ChainID).
		Int("steps", len(c.Steps)).
		Msg("reasoning_chain_stored")
	return c.ChainID, nil
}

// GetReasoningChain returns a chain by ID, propagating ErrChainNotFound.
func (m *Manager) GetReasoningChain(ctx context.Context, chainID string) (*ReasoningChain, error) {
	return m.store.GetChain(ctx, chainID)
}

// Statistics aggregates the scope's holdings.
func (m *Manager) Statistics(ctx context.Context, scope OwnerScope) (*Statistics, error) {
	return m.store.Statistics(ctx, scope)
}

// touch records retrievals best-effort; a failed bump is logged, never fatal.
func (m *Manager) touch(ctx context.Context, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Slice.SliceID
	}
	if err := m.store.TouchRetrieved(ctx, ids); err != nil {
		log.Warn().Err(err).Int("slices", len(ids)).Msg("retrieval_count_update_failed")
	} else {
		for i := range results {
			results[i].Slice.RetrievalCount++
			results[i].Slice.LastAccessed = time.Now().UTC()
		}
	}
}

func (m *Manager) degrade(ctx context.Context, span trace.Span, event string, err error) []SearchResult {
	span.RecordError(err)
	retrievalErrorsTotal.Add(ctx, 1)
	log.Warn().Err(err).Msg(event)
	return []SearchResult{}
}
