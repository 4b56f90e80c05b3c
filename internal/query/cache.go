package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the read-side cache boundary. Entries are invalidated by bumping
// a per-slug generation counter rather than deleting keys: stale generations
// simply age out through the TTL, so invalidation is one cheap write.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Generation returns the current cache generation for a slug; missing
	// counters read as zero.
	Generation(ctx context.Context, slug string) (int64, error)
	// Invalidate advances the slug's generation, orphaning every cached
	// entry built under the previous one.
	Invalidate(ctx context.Context, slug string) error
}

const keyPrefix = "regpipe:query:"

func entryKey(slug string, generation int64, day string) string {
	return fmt.Sprintf("%s%s:%d:%s", keyPrefix, slug, generation, day)
}

func generationKey(slug string) string {
	return keyPrefix + "gen:" + slug
}

// RedisCache backs the query cache with Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an established client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return raw, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Generation(ctx context.Context, slug string) (int64, error) {
	raw, err := c.client.Get(ctx, generationKey(slug)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache generation: %w", err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cache generation %q: %w", raw, err)
	}
	return gen, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, slug string) error {
	if err := c.client.Incr(ctx, generationKey(slug)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// InMemoryCache implements Cache for unit tests and cacheless deployments.
type InMemoryCache struct {
	mu          sync.RWMutex
	entries     map[string]memoryEntry
	generations map[string]int64
	now         func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates an empty cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Generation(_ context.Context, slug string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[slug], nil
}

func (c *InMemoryCache) Invalidate(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[slug]++
	return nil
}
