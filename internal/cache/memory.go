package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth. Use this backend when
// Redis is not available; for multi-replica deployments use RedisCache so
// replicas share one cache.
type MemoryCache struct {
	ttl time.Duration

	mu    sync.RWMutex
	items map[string]memItem

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a MemoryCache with the given entry TTL and starts the
// background cleanup loop. A zero or negative ttl is treated as one hour.
func NewMemory(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &MemoryCache{
		ttl:   ttl,
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached value for key. Expired entries are removed lazily
// on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the configured TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte) {
	c.mu.Lock()
	c.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Close stops the cleanup goroutine and drops all entries.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.items = make(map[string]memItem)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) cleanup() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for k, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
