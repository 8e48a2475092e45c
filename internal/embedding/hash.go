package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, dependency-free embedding backend using
// signed feature hashing over lowercased tokens. Texts sharing tokens get
// proportionally similar vectors; unrelated texts land near zero cosine.
//
// It exists for development without a model server and for tests that need
// bit-identical embeddings; it is not a substitute for a learned model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a feature-hashing embedder with the given
// dimension. dims <= 0 defaults to 384 to match the all-minilm schema.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

// Embed produces a unit-norm vector from token counts. Deterministic:
// identical text always yields a bit-identical vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		// Sign bit from the hash keeps unrelated texts near zero cosine.
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently; order is preserved.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the configured vector size.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// ModelName identifies the hashing scheme.
func (e *HashEmbedder) ModelName() string { return "feature-hash-v1" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
