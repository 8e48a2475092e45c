package embedding

import (
	"sync"
)

// Cache is a capacity-bounded embedding cache keyed by content hash.
//
// Eviction is batch-oldest: when the cache reaches capacity, the oldest
// ~20% of entries (by insertion order) are dropped in one pass. This
// amortizes eviction cost compared to strict per-insert LRU and is
// sufficient for the hit-rate contract of repeated-query workloads.
//
// Safe for concurrent use; the cache is process-wide shared state.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]Result
	order    []string // insertion order, oldest first
}

// NewCache creates a cache holding at most capacity embeddings.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]Result, capacity),
	}
}

// Get returns the cached result for a text hash, if present.
func (c *Cache) Get(hash string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[hash]
	return res, ok
}

// Put inserts a result, evicting the oldest batch of entries first when
// the cache is at capacity. Re-inserting an existing hash updates the
// value without consuming a new slot.
func (c *Cache) Put(hash string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[hash]; exists {
		c.entries[hash] = res
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[hash] = res
	c.order = append(c.order, hash)
}

// evictOldestLocked removes the oldest max(1, capacity/5) entries.
func (c *Cache) evictOldestLocked() {
	n := c.capacity / 5
	if n < 1 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, hash := range c.order[:n] {
		delete(c.entries, hash)
	}
	c.order = c.order[n:]
}

// Len returns the current number of cached embeddings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured maximum size.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Clear drops all cached embeddings.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Result, c.capacity)
	c.order = nil
}
