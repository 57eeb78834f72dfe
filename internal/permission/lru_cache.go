package permission

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is a process-local Cache bounded by size and ttl
type LRUCache struct {
	mu         sync.Mutex
	generation uint64
	entries    *expirable.LRU[Key, bool]
}

// NewLRUCache creates a cache holding at most size checks for ttl each
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{entries: expirable.NewLRU[Key, bool](size, nil, ttl)}
}

func (c *LRUCache) Generation(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *LRUCache) Get(_ context.Context, k Key) (bool, bool, error) {
	allowed, ok := c.entries.Get(k)
	return allowed, ok, nil
}

func (c *LRUCache) Put(_ context.Context, k Key, allowed bool, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation == c.generation {
		c.entries.Add(k, allowed)
	}
	return nil
}

func (c *LRUCache) Invalidate(_ context.Context, s Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, k := range c.entries.Keys() {
		if s.Matches(k) {
			c.entries.Remove(k)
		}
	}
	return nil
}

// Len returns the number of cached checks
func (c *LRUCache) Len() int {
	return c.entries.Len()
}
