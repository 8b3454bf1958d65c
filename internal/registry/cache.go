package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"faultline/internal/logging"
	"faultline/internal/store"
)

// DefaultCacheTTL bounds how long a resolved project may be served without
// consulting the store. Key rotation drops entries immediately on the
// replica that performed it; other replicas converge within the TTL.
const DefaultCacheTTL = 30 * time.Second

// Cache holds projects resolved by key hash. Implementations treat their
// own failures as misses; the registry always has the store to fall back on.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*store.Project, bool)
	Put(ctx context.Context, keyHash string, p *store.Project)
	Drop(ctx context.Context, keyHash string)
}

type inlineEntry struct {
	project store.Project
	expires time.Time
}

// InlineCache is a process-local Cache. With multiple server processes each
// holds its own copy; use the Redis cache to share lookups and rotations.
type InlineCache struct {
	mu      sync.Mutex
	entries map[string]inlineEntry
	ttl     time.Duration

	// Clock for testing
	now func() time.Time
}

func NewInlineCache(ttl time.Duration) *InlineCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &InlineCache{
		entries: make(map[string]inlineEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *InlineCache) Get(_ context.Context, keyHash string) (*store.Project, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[keyHash]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, keyHash)
		return nil, false
	}
	p := e.project
	return &p, true
}

func (c *InlineCache) Put(_ context.Context, keyHash string, p *store.Project) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyHash] = inlineEntry{project: *p, expires: c.now().Add(c.ttl)}
}

func (c *InlineCache) Drop(_ context.Context, keyHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyHash)
}

// Cleanup removes expired entries. Run it periodically; Get already drops
// what it touches, this catches keys that stopped arriving.
func (c *InlineCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for keyHash, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, keyHash)
		}
	}
}

// RedisCache shares resolved projects across server processes, so a key
// rotation on one replica invalidates everywhere at once.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logging.Default(logger).With("component", "registry-cache"),
	}
}

func cacheKey(keyHash string) string { return fmt.Sprintf("regkey:%s", keyHash) }

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*store.Project, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(keyHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", "error", err)
		}
		return nil, false
	}

	var cached cachedProject
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "error", err)
		c.Drop(ctx, keyHash)
		return nil, false
	}
	p := cached.Project
	p.APIKeyHash = cached.KeyHash
	return &p, true
}

func (c *RedisCache) Put(ctx context.Context, keyHash string, p *store.Project) {
	raw, err := json.Marshal(cachedProject{Project: *p, KeyHash: p.APIKeyHash})
	if err != nil {
		c.logger.Warn("cache encode failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(keyHash), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}

func (c *RedisCache) Drop(ctx context.Context, keyHash string) {
	if err := c.rdb.Del(ctx, cacheKey(keyHash)).Err(); err != nil {
		c.logger.Warn("cache drop failed", "error", err)
	}
}

// cachedProject restores the key hash, which Project deliberately keeps out
// of its JSON form.
type cachedProject struct {
	Project store.Project `json:"project"`
	KeyHash string        `json:"keyHash"`
}
