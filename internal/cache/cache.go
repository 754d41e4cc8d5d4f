package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is the read-through cache used for node listings and side-effect
// verification results. Entries expire on their own; callers only need
// lookup, store and invalidate.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

// TTLCache backs Cache with an expiring in-memory store.
type TTLCache struct {
	data *gocache.Cache
}

// New creates a TTL cache. Expired entries are swept at twice the default
// TTL, which keeps the sweep cheap without letting stale entries pile up.
func New(defaultTTL time.Duration) *TTLCache {
	return &TTLCache{
		data: gocache.New(defaultTTL, defaultTTL*2),
	}
}

func (c *TTLCache) Get(key string) (any, bool) {
	return c.data.Get(key)
}

func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.data.Set(key, value, ttl)
}

func (c *TTLCache) Delete(key string) {
	c.data.Delete(key)
}
