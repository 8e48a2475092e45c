package memory

import "context"

// Store is the persistence boundary for memory slices and reasoning chains.
// Implementations must rank identically: semantic score is cosine
// similarity, hybrid score is kwWeight*keywordFraction + semWeight*cosine,
// ties broken by created_at descending.
type Store interface {
	// Upsert inserts the slice or, when slice_id exists, updates content,
	// keywords, embedding, relevance score, metadata and last_accessed
	// while preserving created_at and retrieval_count.
	Upsert(ctx context.Context, s *Slice) error

	// Get returns the slice or ErrSliceNotFound.
	Get(ctx context.Context, sliceID string) (*Slice, error)

	// Delete removes the slice; deleting a missing slice is a no-op.
	Delete(ctx context.Context, sliceID string) error

	// SemanticSearch returns up to limit slices in scope ordered by cosine
	// similarity to query, descending, dropping results below minSimilarity.
	// An empty types filter matches all memory types.
	SemanticSearch(ctx context.Context, query []float32, scope OwnerScope, types []string, limit int, minSimilarity float64) ([]SearchResult, error)

	// HybridSearch blends keyword overlap and cosine similarity.
	HybridSearch(ctx context.Context, query []float32, keywords []string, scope OwnerScope, types []string, limit int, kwWeight, semWeight float64) ([]SearchResult, error)

	// TouchRetrieved increments retrieval_count and refreshes last_accessed
	// for each listed slice. Missing IDs are skipped.
	TouchRetrieved(ctx context.Context, sliceIDs []string) error

	// Statistics aggregates the scope's holdings per memory type.
	Statistics(ctx context.Context, scope OwnerScope) (*Statistics, error)

	// UpsertChain stores or replaces a reasoning chain.
	UpsertChain(ctx context.Context, c *ReasoningChain) error

	// GetChain returns the chain or ErrChainNotFound.
	GetChain(ctx context.Context, chainID string) (*ReasoningChain, error)

	Close() error
}
