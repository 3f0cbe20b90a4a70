package cache

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// MemoryCache is the single-process fallback used in lite mode and in
// tests. Expiry is lazy; at capacity the soonest-expiring entry is
// evicted.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, ErrMiss
	}
	return e.payload, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = memoryEntry{payload: payload, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Len reports live entries, counting expired ones not yet collected.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the soonest-expiring one if
// the map is still full.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	var (
		victim   string
		earliest time.Time
	)
	for k, e := range c.entries {
		if victim == "" || e.expires.Before(earliest) {
			victim = k
			earliest = e.expires
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
