package batch

import "sync"

// ClientCache holds per-row client objects (an HTTP client keyed by run
// state, for example) for the duration of a single row's processing. Each
// entry is released once its row completes; ShrinkToBatchScope enforces
// that at most one entry — the batch-wide scope — survives once processing
// ends.
type ClientCache struct {
	mu      sync.Mutex
	entries map[string]any
}

// NewClientCache returns an empty cache.
func NewClientCache() *ClientCache {
	return &ClientCache{entries: make(map[string]any)}
}

// GetOrCreate returns the cached client for key, building it with create if
// absent.
func (c *ClientCache) GetOrCreate(key string, create func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[key]; ok {
		return v
	}

	v := create()
	c.entries[key] = v

	return v
}

// Release drops the entry for key once its row has completed.
func (c *ClientCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// ShrinkToBatchScope drops every per-row entry, keeping at most the
// batch-scope entry (conventionally keyed by the empty string) once
// processing ends.
func (c *ClientCache) ShrinkToBatchScope() {
	c.mu.Lock()
	defer c.mu.Unlock()

	batchScope, hasBatchScope := c.entries[""]

	c.entries = make(map[string]any)
	if hasBatchScope {
		c.entries[""] = batchScope
	}
}

// Len reports the current entry count, used by tests to assert the
// shrink-to-one-entry invariant.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
