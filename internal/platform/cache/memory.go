package cache

import (
	"context"
	"path"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process Cache adapter for development and tests.
// Values live in a TTL store; the tag index is kept alongside under its
// own lock because the store itself has no set type.
type MemoryCache struct {
	store *gocache.Cache

	mu   sync.Mutex
	tags map[string]map[string]struct{} // tag -> member keys
}

// NewMemory creates an empty MemoryCache.
func NewMemory() *MemoryCache {
	return &MemoryCache{
		store: gocache.New(gocache.NoExpiration, time.Minute),
		tags:  make(map[string]map[string]struct{}),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	c.store.Set(key, value, ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		members, ok := c.tags[tag]
		if !ok {
			members = make(map[string]struct{})
			c.tags[tag] = members
		}
		members[key] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) InvalidateByTag(_ context.Context, tag string) (int, error) {
	c.mu.Lock()
	members := c.tags[tag]
	delete(c.tags, tag)
	c.mu.Unlock()

	deleted := 0
	for key := range members {
		if _, ok := c.store.Get(key); ok {
			c.store.Delete(key)
			deleted++
		}
	}
	return deleted, nil
}

func (c *MemoryCache) InvalidatePattern(_ context.Context, pattern string) (int, error) {
	deleted := 0
	for key := range c.store.Items() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			c.store.Delete(key)
			deleted++
		}
	}
	return deleted, nil
}
