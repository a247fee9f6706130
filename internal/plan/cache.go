package plan

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/extractly/internal/circuitbreaker"
)

// Cache stores resolved location plans for a short time. Implementations
// treat backend failures as misses.
type Cache interface {
	Get(ctx context.Context, locationID string) (*Effective, bool)
	Set(ctx context.Context, locationID string, eff *Effective, ttl time.Duration)
	Delete(ctx context.Context, locationID string)
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*Effective, bool)         { return nil, false }
func (NoopCache) Set(context.Context, string, *Effective, time.Duration) {}
func (NoopCache) Delete(context.Context, string)                         {}

type cacheEntry struct {
	value     *Effective
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	now   func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, locationID string) (*Effective, bool) {
	c.mu.RLock()
	entry, ok := c.items[locationID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, locationID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value.clone(), true
}

func (c *MemoryCache) Set(_ context.Context, locationID string, eff *Effective, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[locationID] = cacheEntry{value: eff.clone(), expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, locationID string) {
	c.mu.Lock()
	delete(c.items, locationID)
	c.mu.Unlock()
}

const (
	redisKeyPrefix  = "extractly:plan:"
	redisBreakerKey = "redis_plan_cache"
)

// RedisCache shares resolved plans across instances. Calls go through a
// circuit breaker so an unavailable Redis costs one fast miss.
type RedisCache struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewRedisCache wraps client. A nil breaker gets the package defaults.
func NewRedisCache(client *redis.Client, breaker *circuitbreaker.Breaker, logger *slog.Logger) *RedisCache {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, breaker: breaker, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, locationID string) (*Effective, bool) {
	var raw []byte
	err := c.breaker.Execute(redisBreakerKey, func() error {
		b, err := c.client.Get(ctx, redisKeyPrefix+locationID).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		raw = b
		return err
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			c.logger.Warn("plan cache get failed", "location_id", locationID, "error", err)
		}
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	var eff Effective
	if err := json.Unmarshal(raw, &eff); err != nil || eff.Plan == nil {
		c.logger.Warn("plan cache entry unreadable", "location_id", locationID, "error", err)
		return nil, false
	}
	return &eff, true
}

func (c *RedisCache) Set(ctx context.Context, locationID string, eff *Effective, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(eff)
	if err != nil {
		return
	}
	err = c.breaker.Execute(redisBreakerKey, func() error {
		return c.client.Set(ctx, redisKeyPrefix+locationID, raw, ttl).Err()
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Warn("plan cache set failed", "location_id", locationID, "error", err)
	}
}

// Delete bypasses the breaker: an invalidation is worth one attempt even
// while reads are being skipped.
func (c *RedisCache) Delete(ctx context.Context, locationID string) {
	if err := c.client.Del(ctx, redisKeyPrefix+locationID).Err(); err != nil {
		c.breaker.RecordFailure(redisBreakerKey)
		c.logger.Error("plan cache invalidation failed; entry expires with its TTL",
			"location_id", locationID, "error", err)
	}
}

// PingContext reports Redis reachability for health checks.
func (c *RedisCache) PingContext(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var (
	_ Cache = NoopCache{}
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
