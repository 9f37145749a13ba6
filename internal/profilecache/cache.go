package profilecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinkubot/client-ai/pkg/logging"
)

const defaultTTL = 5 * time.Minute

// Cache is a read-through profile cache. On a miss the loader is consulted
// and the result cached; on a hit the cached value is returned immediately
// and a background refresh is spawned so the entry converges to the source
// of truth. Cache writes are best-effort and silent on failure.
type Cache struct {
	redis  *redis.Client
	logger *logging.Logger
	ttl    time.Duration
}

// New creates a profile cache. A nil Redis client disables caching: every
// Get goes straight to the loader.
func New(client *redis.Client, logger *logging.Logger, ttl time.Duration) *Cache {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{redis: client, logger: logger, ttl: ttl}
}

// CustomerKey and ProviderKey build the cache keys for the two profile kinds.
func CustomerKey(phone string) string { return fmt.Sprintf("customer_profile:%s", phone) }
func ProviderKey(phone string) string { return fmt.Sprintf("prov_profile_cache:%s", phone) }

// GetOrLoad returns the cached value for key, loading and populating on a
// miss. The loader's nil result is not cached. On a hit the loader runs
// again in the background to refresh the entry.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, loader func(context.Context) (*T, error)) (*T, error) {
	if c == nil || c.redis == nil {
		return loader(ctx)
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var cached T
		if err := json.Unmarshal(data, &cached); err == nil {
			go refresh(c, key, loader)
			return &cached, nil
		}
		c.logger.Warn("profile cache entry corrupt, reloading", "key", key)
	} else if err != redis.Nil {
		c.logger.Warn("profile cache read failed", "key", key, "error", err)
	}

	value, err := loader(ctx)
	if err != nil || value == nil {
		return value, err
	}
	c.put(ctx, key, value)
	return value, nil
}

// Put write-throughs a fresh value after a mutation of the underlying
// profile, replacing rather than invalidating the entry.
func (c *Cache) Put(ctx context.Context, key string, value any) {
	if c == nil || c.redis == nil || value == nil {
		return
	}
	c.put(ctx, key, value)
}

// Invalidate drops an entry, used when the profile is deleted outright.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("profile cache invalidate failed", "key", key, "error", err)
	}
}

func (c *Cache) put(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("profile cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("profile cache write failed", "key", key, "error", err)
	}
}

func refresh[T any](c *Cache, key string, loader func(context.Context) (*T, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := loader(ctx)
	if err != nil || value == nil {
		return
	}
	c.put(ctx, key, value)
}
