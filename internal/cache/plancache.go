package cache

import (
	"context"
	"sync"
	"time"
)

// RedisPlanCache stores batch plans in Redis. A plan entry is the
// JSON-encoded list of wavefronts for one workflow fingerprint.
type RedisPlanCache struct {
	manager *Manager
	ttl     time.Duration
}

// NewRedisPlanCache wraps a cache manager. A zero ttl uses the
// manager's default.
func NewRedisPlanCache(manager *Manager, ttl time.Duration) *RedisPlanCache {
	return &RedisPlanCache{manager: manager, ttl: ttl}
}

// Get returns the cached plan, if present. Backend errors read as
// misses; the caller recomputes.
func (c *RedisPlanCache) Get(ctx context.Context, key string) ([][]string, bool) {
	var batches [][]string
	if err := c.manager.GetJSON(ctx, key, &batches); err != nil {
		return nil, false
	}
	return batches, true
}

// Set stores the plan, best effort.
func (c *RedisPlanCache) Set(ctx context.Context, key string, batches [][]string) {
	_ = c.manager.SetJSON(ctx, key, batches, c.ttl)
}

// MemoryPlanCache is the fallback for deployments without Redis.
// Entries live until evicted by TTL on read.
type MemoryPlanCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]memoryPlanEntry
}

type memoryPlanEntry struct {
	batches   [][]string
	expiresAt time.Time
}

// NewMemoryPlanCache creates an empty in-memory plan cache. A zero ttl
// means entries never expire.
func NewMemoryPlanCache(ttl time.Duration) *MemoryPlanCache {
	return &MemoryPlanCache{
		ttl:     ttl,
		entries: make(map[string]memoryPlanEntry),
	}
}

// Get returns the cached plan, dropping it when expired.
func (c *MemoryPlanCache) Get(_ context.Context, key string) ([][]string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.batches, true
}

// Set stores the plan.
func (c *MemoryPlanCache) Set(_ context.Context, key string, batches [][]string) {
	entry := memoryPlanEntry{batches: batches}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Len reports the number of live entries.
func (c *MemoryPlanCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
