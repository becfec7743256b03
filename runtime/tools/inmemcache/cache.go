// Package inmemcache provides an in-memory tool result cache used by tests
// and single-process deployments. Production deployments use the Redis
// backed cache from features/tools/redis.
package inmemcache

import (
	"context"
	"encoding/json"
	"sync"
)

// Cache is a concurrency-safe in-memory result cache. Entries live until
// Flush; there is no TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]json.RawMessage)}
}

// Get returns the cached result for key.
func (c *Cache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(result))
	copy(out, result)
	return out, true, nil
}

// Set stores result under key, replacing any previous entry.
func (c *Cache) Set(_ context.Context, key string, result json.RawMessage) error {
	stored := make(json.RawMessage, len(result))
	copy(stored, result)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = stored
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Flush removes all entries.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]json.RawMessage)
}
