// Package embedding converts text to fixed-dimension vectors for semantic
// memory retrieval.
//
// The Engine wraps a pluggable Embedder backend with a process-wide cache
// keyed by content hash. Backends: Ollama (local), OpenAI, and a
// deterministic feature-hashing embedder for development and tests.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Domain errors for the embedding package.
var (
	// ErrModelUnavailable means the embedding backend is unreachable or
	// erroring. Callers must not substitute zero vectors.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrEmptyText is returned when the input text is empty.
	ErrEmptyText = errors.New("embedding input text is empty")

	// ErrDimensionMismatch means the backend returned a vector whose length
	// does not match the configured model dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder is the backend interface for text-to-vector conversion.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed embedding vector size.
	Dimensions() int

	// ModelName returns the backend model identifier, used for cache-key
	// and compatibility checks.
	ModelName() string
}

// Result is a generated embedding plus its provenance.
type Result struct {
	Embedding      []float32
	Dimension      int
	Model          string
	GenerationTime time.Duration
	TextHash       string
	CacheHit       bool
}

// TextHash returns the cache key for a text: hex SHA-256 truncated to 16
// characters. Collisions at this length are acceptable for a bounded cache.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
