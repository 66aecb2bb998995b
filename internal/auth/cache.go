package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	result     *Result
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Result       *Result
	Hit          bool
	NeedsRefresh bool
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking cache lookup. A stale entry is still returned,
// and exactly one caller is told to refresh it. Entries whose credential has
// itself expired are dropped.
func (c *Cache) Get(key string) CacheGetResult {
	val, ok := c.store.Load(key)
	if !ok {
		return CacheGetResult{}
	}

	entry := val.(*cacheEntry)
	now := c.now()

	if exp := entry.result.ExpiresAt; !exp.IsZero() && !now.Before(exp) {
		c.store.CompareAndDelete(key, entry)
		return CacheGetResult{}
	}

	if now.Before(entry.expiresAt) {
		return CacheGetResult{Result: entry.result, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Result:       entry.result,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a successful verification with a fresh TTL.
func (c *Cache) Set(key string, result *Result) {
	c.store.Store(key, &cacheEntry{
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}
