package embedding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache(10)

	res := Result{Embedding: []float32{1, 2, 3}, Dimension: 3, Model: "test", TextHash: "abc"}
	c.Put("abc", res)

	got, ok := c.Get("abc")
	require.True(t, ok)
	assert.Equal(t, res.Embedding, got.Embedding)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheUpdateExistingKeepsLen(t *testing.T) {
	c := NewCache(10)

	c.Put("k", Result{Dimension: 3, Model: "a"})
	c.Put("k", Result{Dimension: 3, Model: "b"})

	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "b", got.Model)
}

func TestCacheEvictsOldestBatch(t *testing.T) {
	c := NewCache(10)

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("key-%d", i), Result{Dimension: 1})
	}
	require.Equal(t, 10, c.Len())

	// The next insert evicts the oldest 20% (2 entries) before adding.
	c.Put("key-10", Result{Dimension: 1})
	assert.Equal(t, 9, c.Len())

	_, ok := c.Get("key-0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("key-1")
	assert.False(t, ok, "second oldest entry should be evicted")
	_, ok = c.Get("key-2")
	assert.True(t, ok)
	_, ok = c.Get("key-10")
	assert.True(t, ok)
}

func TestCacheCapacityOneEvictsSingle(t *testing.T) {
	c := NewCache(1)

	c.Put("a", Result{Dimension: 1})
	c.Put("b", Result{Dimension: 1})

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(5)
	c.Put("a", Result{Dimension: 1})
	c.Put("b", Result{Dimension: 1})

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTextHashStableAndShort(t *testing.T) {
	h1 := TextHash("User prefers green tea over coffee")
	h2 := TextHash("User prefers green tea over coffee")
	h3 := TextHash("User prefers coffee over green tea")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}
