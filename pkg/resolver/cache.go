package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedCache is an optional best-effort layer in front of VDRFetcher:
// several resolver processes serving the same DID population can share
// fetched-but-not-yet-validated document bytes through it, cutting
// duplicate upstream requests. It is never the source of truth — Store
// is — so a cache miss or a stale entry only costs an extra fetch, never
// correctness (spec §8 "resolver idempotence" is guaranteed by the
// validated store alone).
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemoryCache is a process-local SharedCache, useful for tests and for a
// single-resolver deployment that still wants to skip redundant fetches
// within its own process lifetime.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string][]byte)}
}

// Get implements SharedCache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok, nil
}

// Set implements SharedCache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

var _ SharedCache = (*MemoryCache)(nil)

// RedisCache is the shared SharedCache backend for a fleet of resolver
// processes behind one VDG (spec §2's domain-stack table: "optional
// redis/go-redis/v9-backed shared cache"). Entries expire on their own;
// a miss just triggers a normal upstream fetch.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

// NewRedisCache returns a RedisCache against an already-constructed
// redis.Client, with a default 10 minute entry TTL.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{Client: client, TTL: 10 * time.Minute, Prefix: "webplus:resolver:"}
}

func (c *RedisCache) key(k string) string {
	return c.Prefix + k
}

// Get implements SharedCache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.Client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set implements SharedCache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.Client.Set(ctx, c.key(key), value, c.TTL).Err()
}

var _ SharedCache = (*RedisCache)(nil)
