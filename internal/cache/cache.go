package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-sync/internal/models"
)

// Cache defines the interface for observation caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Record, bool, error)
	Set(ctx context.Context, key string, value models.Record, ttl time.Duration) error
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.Record
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (data, true, nil) on a hit and (EmptyRecord, false, nil) on a
// miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.EmptyRecord(), false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.EmptyRecord(), false, nil
	}
	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}
