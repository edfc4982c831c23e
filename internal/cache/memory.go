package cache

import (
	"context"
	"sync"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
)

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	hits    int64
	misses  int64

	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	results   []domain.SearchResult
	expiresAt time.Time
}

// NewMemoryCache creates a cache whose janitor drops expired entries every
// cleanupEvery. A zero cleanupEvery disables the janitor.
func NewMemoryCache(cleanupEvery time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*cacheEntry),
		stop:    make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go c.cleanupLoop(cleanupEvery)
	}
	return c
}

// Get returns a private copy of the cached results
func (c *MemoryCache) Get(_ context.Context, key string) ([]domain.SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		c.misses++
		return nil, false
	}

	c.hits++
	return domain.CloneResults(entry.results), true
}

// Set stores a private copy of results
func (c *MemoryCache) Set(_ context.Context, key string, results []domain.SearchResult, ttl time.Duration) {
	entry := &cacheEntry{
		results:   domain.CloneResults(results),
		expiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// Clear drops every entry and resets the counters
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.hits = 0
	c.misses = 0
	return nil
}

// Stats returns hit/miss counters
func (c *MemoryCache) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hitRate := float64(0)
	total := c.hits + c.misses
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	return map[string]any{
		"backend":  "memory",
		"hits":     c.hits,
		"misses":   c.misses,
		"size":     len(c.entries),
		"hit_rate": hitRate,
	}
}

// Close stops the janitor
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
