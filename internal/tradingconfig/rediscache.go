package tradingconfig

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache stores resolved parameter trees in redis with a TTL.
// Invalidation bumps a generation counter instead of scanning for keys, so
// stale entries just age out.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

const cacheGenKey = "tradingconfig:generation"

// NewRedisCache creates a cache with the given TTL (60s when zero).
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "ConfigCache").Logger(),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Params, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, gen+":"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("Config cache read failed")
		}
		return nil, false
	}
	var params Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, false
	}
	return &params, true
}

func (c *RedisCache) Set(ctx context.Context, key string, params *Params) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, gen+":"+key, raw, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("Config cache write failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, cacheGenKey).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Config cache invalidation failed")
	}
}

func (c *RedisCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, cacheGenKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return "g" + strconv.FormatInt(gen, 10), nil
}

var _ Cache = (*RedisCache)(nil)

// MemoryCache is a process-local cache used in tests and when redis is not
// configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	params  Params
	expires time.Time
}

// NewMemoryCache creates a local cache with the given TTL (60s when zero).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: ttl}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	cp := entry.params
	return &cp, true
}

func (c *MemoryCache) Set(_ context.Context, key string, params *Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{params: *params, expires: time.Now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
}

var _ Cache = (*MemoryCache)(nil)
