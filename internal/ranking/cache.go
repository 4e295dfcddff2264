package ranking

import (
	"sync"
	"time"
)

const defaultCacheTTL = 30 * time.Second

type cachedRanking struct {
	entries   []Entry
	expiresAt time.Time
}

// rankingCache holds one computed table per metric and filter. Short
// TTL plus explicit invalidation on every episode write keeps stale
// reads to the window between concurrent requests.
type rankingCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	byKey map[string]cachedRanking
}

func newRankingCache(ttl time.Duration) *rankingCache {
	return &rankingCache{
		ttl:   ttl,
		byKey: make(map[string]cachedRanking),
	}
}

func (c *rankingCache) get(key string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.byKey[key]
	if !ok || time.Now().After(cached.expiresAt) {
		return nil, false
	}
	return cached.entries, true
}

func (c *rankingCache) set(key string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKey[key] = cachedRanking{
		entries:   entries,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *rankingCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKey = make(map[string]cachedRanking)
}
