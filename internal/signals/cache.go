package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores successful provider answers.
type Cache interface {
	Get(ctx context.Context, key string) (Signal, bool, error)
	Set(ctx context.Context, key string, s Signal, ttl time.Duration) error
}

// CacheKey derives the cache key for a provider and URL.
func CacheKey(provider, rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "urlsentry:signal:" + provider + ":" + hex.EncodeToString(sum[:])
}

// DefaultMaxEntries bounds the in-memory cache.
const DefaultMaxEntries = 10000

type cacheEntry struct {
	signal  Signal
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (Signal, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		return Signal{}, false, nil
	}
	return e.signal, true, nil
}

// Set implements Cache. When full, expired entries are swept first; if the
// cache is still full the new entry is dropped.
func (c *MemoryCache) Set(_ context.Context, key string, s Signal, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			return nil
		}
	}
	c.entries[key] = cacheEntry{signal: s, expires: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache stores signals as JSON in Redis so replicas share lookups.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (Signal, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("redis get: %w", err)
	}

	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, false, fmt.Errorf("decode cached signal: %w", err)
	}
	return s, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, s Signal, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// PingContext checks connectivity to Redis.
func (c *RedisCache) PingContext(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
