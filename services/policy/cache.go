package policy

import (
	"container/list"
	"sync"
	"time"

	engine "github.com/earlence-security/stateful-auth/internal/policy"
)

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	name       string
	policy     *engine.Policy
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// PolicyCache is an in-memory LRU cache with TTL for compiled policies,
// keyed by policy name. Safe for concurrent use.
type PolicyCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List // front is most recently used
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

// NewPolicyCache creates a new PolicyCache with specified max size and TTL
func NewPolicyCache(maxSize int, ttl time.Duration) *PolicyCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PolicyCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the compiled policy for name, or nil if absent or expired
func (c *PolicyCache) Get(name string) *engine.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[name]
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(name)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.policy
}

// Set stores a compiled policy under its name
func (c *PolicyCache) Set(p *engine.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := p.Name()
	if entry, exists := c.entries[name]; exists {
		entry.policy = p
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		name:       name,
		policy:     p,
		insertedAt: time.Now(),
	}
	entry.element = c.lruList.PushFront(name)
	c.entries[name] = entry
}

// Invalidate removes a specific cache entry
func (c *PolicyCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(name)
}

// Clear removes all entries from the cache
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *PolicyCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// removeEntry must be called with lock held
func (c *PolicyCache) removeEntry(name string) {
	if entry, exists := c.entries[name]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, name)
	}
}

// evictLRU must be called with lock held
func (c *PolicyCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	name := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, name)
}

// CleanupExpired removes all expired entries and reports how many were dropped
func (c *PolicyCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, entry := range c.entries {
		if entry.isExpired(c.ttl) {
			c.removeEntry(name)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically drops expired entries until stopCh closes
func (c *PolicyCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
