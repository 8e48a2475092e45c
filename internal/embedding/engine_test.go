package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps HashEmbedder and counts backend calls so tests can
// verify cache behavior.
type countingEmbedder struct {
	inner *HashEmbedder

	mu         sync.Mutex
	embeds     int
	batchTexts int
	fail       error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.embeds++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.batchTexts += len(texts)
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int   { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelName() string { return "counting-test" }

func testEngine(t *testing.T, cacheSize int) (*Engine, *countingEmbedder) {
	t.Helper()
	backend := &countingEmbedder{inner: NewHashEmbedder(64)}
	return NewEngine(backend, cacheSize), backend
}

func TestGenerateDeterministic(t *testing.T) {
	eng, _ := testEngine(t, 0)
	ctx := context.Background()

	r1, err := eng.Generate(ctx, "user prefers green tea")
	require.NoError(t, err)
	r2, err := eng.Generate(ctx, "user prefers green tea")
	require.NoError(t, err)

	assert.Equal(t, r1.Embedding, r2.Embedding)
	assert.Equal(t, 64, r1.Dimension)
	assert.Equal(t, r1.TextHash, r2.TextHash)
}

func TestGenerateEmptyText(t *testing.T) {
	eng, backend := testEngine(t, 10)

	_, err := eng.Generate(context.Background(), "   \n\t ")
	require.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, 0, backend.embeds, "backend must not be called for empty text")
}

func TestGenerateCacheHit(t *testing.T) {
	eng, backend := testEngine(t, 10)
	ctx := context.Background()

	first, err := eng.Generate(ctx, "session context handoff")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := eng.Generate(ctx, "session context handoff")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Embedding, second.Embedding)
	assert.Equal(t, 1, backend.embeds, "second call must be served from cache")

	stats := eng.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.Generated)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestGenerateBackendUnavailable(t *testing.T) {
	eng, backend := testEngine(t, 10)
	backend.fail = fmt.Errorf("%w: connection refused", ErrModelUnavailable)

	res, err := eng.Generate(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.Nil(t, res, "no placeholder vector on failure")
}

func TestGenerateBatchPreservesOrder(t *testing.T) {
	eng, _ := testEngine(t, 100)
	ctx := context.Background()

	texts := []string{
		"first memory about tea",
		"second memory about sessions",
		"third memory about pruning",
		"fourth memory about agents",
		"fifth memory about turns",
	}
	results, err := eng.GenerateBatch(ctx, texts, 2)
	require.NoError(t, err)
	require.Len(t, results, len(texts))

	for i, text := range texts {
		single, err := eng.Generate(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single.Embedding, results[i].Embedding, "result %d out of order", i)
	}
}

func TestGenerateBatchMixedCache(t *testing.T) {
	eng, backend := testEngine(t, 100)
	ctx := context.Background()

	_, err := eng.Generate(ctx, "already cached")
	require.NoError(t, err)

	results, err := eng.GenerateBatch(ctx, []string{"already cached", "brand new"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].CacheHit)
	assert.False(t, results[1].CacheHit)
	assert.Equal(t, 1, backend.batchTexts, "only the uncached text hits the backend")
}

func TestGenerateBatchEmptyItem(t *testing.T) {
	eng, _ := testEngine(t, 10)

	_, err := eng.GenerateBatch(context.Background(), []string{"ok", ""}, 10)
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestGenerateBatchChunking(t *testing.T) {
	eng, backend := testEngine(t, 0)
	ctx := context.Background()

	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("memory slice number %d", i)
	}
	results, err := eng.GenerateBatch(ctx, texts, 3)
	require.NoError(t, err)
	assert.Len(t, results, 7)
	assert.Equal(t, 7, backend.batchTexts)
}

func TestClearCache(t *testing.T) {
	eng, backend := testEngine(t, 10)
	ctx := context.Background()

	_, err := eng.Generate(ctx, "volatile entry")
	require.NoError(t, err)
	eng.ClearCache()

	_, err = eng.Generate(ctx, "volatile entry")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.embeds)
}

func TestHashEmbedderSharedTokensSimilar(t *testing.T) {
	e := NewHashEmbedder(384)
	ctx := context.Background()

	tea, err := e.Embed(ctx, "User prefers green tea over coffee")
	require.NoError(t, err)
	query, err := e.Embed(ctx, "what drink does the user like")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "quarterly revenue spreadsheet import")
	require.NoError(t, err)

	simRelated := dot(tea, query)
	simUnrelated := dot(tea, unrelated)
	assert.Greater(t, simRelated, simUnrelated)
	assert.GreaterOrEqual(t, simRelated, 0.1, "texts sharing tokens must clear the default floor")
}

// dot works because HashEmbedder vectors are unit-normalized.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
