package engine

import (
	"sync"
	"time"
)

const maxSeenEntries = 10000

// SeenCache remembers keys for a time window so redelivered detections are
// processed once.
type SeenCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewSeenCache() *SeenCache {
	return &SeenCache{items: make(map[string]time.Time)}
}

// Seen reports whether key was recorded within ttl before now, and records it
// otherwise.
func (c *SeenCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	c.items[key] = now
	if len(c.items) > maxSeenEntries {
		for k, ts := range c.items {
			if now.Sub(ts) > ttl {
				delete(c.items, k)
			}
		}
	}
	return false
}

// Forget drops key so the next delivery is processed again.
func (c *SeenCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
