package polling

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a served status may be.
const DefaultCacheTTL = 2 * time.Second

type cacheKey struct {
	investigationID string
	callerID        string
}

type cacheEntry struct {
	value    any
	cachedAt time.Time
}

// StatusCache is a short-TTL in-process cache of status responses keyed by
// (investigation, caller). Safe for many concurrent readers and a low rate
// of writers. Entries are never persisted.
type StatusCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration
	now     func() time.Time // overridable in tests
}

// NewStatusCache creates a cache with the given TTL (DefaultCacheTTL if <= 0).
func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &StatusCache{
		entries: make(map[cacheKey]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for (investigationID, callerID) if it is
// still within the TTL.
func (c *StatusCache) Get(investigationID, callerID string) (any, bool) {
	key := cacheKey{investigationID, callerID}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.cachedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores a fresh value for (investigationID, callerID).
func (c *StatusCache) Set(investigationID, callerID string, value any) {
	key := cacheKey{investigationID, callerID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, cachedAt: c.now()}
}

// Invalidate drops all cached entries for one investigation, for every
// caller. Mutation paths call this so a successful write is visible on the
// next poll rather than after TTL expiry.
func (c *StatusCache) Invalidate(investigationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.investigationID == investigationID {
			delete(c.entries, key)
		}
	}
}

// Len returns the current number of cached entries.
func (c *StatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run evicts expired entries periodically until ctx is cancelled. Eviction
// is independent of request handling; Get already ignores expired entries,
// this just bounds memory.
func (c *StatusCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *StatusCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for key, entry := range c.entries {
		if entry.cachedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
