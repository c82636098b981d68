package forecast

import (
	"sync"
	"time"
)

// sourceCache holds each source's multi-day fetch per city for the
// configured TTL, so the five-minute scan cadence does not translate
// into a five-minute upstream cadence.
type sourceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	highs map[string]float64 // date -> °F
	at    time.Time
}

func newSourceCache(ttl time.Duration) *sourceCache {
	return &sourceCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *sourceCache) get(key string) (map[string]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.at) > c.ttl {
		return nil, false
	}
	return e.highs, true
}

func (c *sourceCache) put(key string, highs map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{highs: highs, at: time.Now()}
}
