package toolhub

import (
	"sync"
	"time"
)

// toolCache is the only shared mutable state in the package: a small TTL
// cache so repeated chats do not re-list tools on every turn.
type toolCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]toolCacheEntry
}

type toolCacheEntry struct {
	tools     []Tool
	expiresAt time.Time
}

func newToolCache(ttl time.Duration) *toolCache {
	return &toolCache{ttl: ttl, entries: map[string]toolCacheEntry{}}
}

func (c *toolCache) get(key string) ([]Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.tools, true
}

func (c *toolCache) put(key string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = toolCacheEntry{tools: tools, expiresAt: time.Now().Add(c.ttl)}
}
