package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelexchange/mxf/pkg/models"
)

// RedisValidationCache is the production ValidationCacheL2, backed by
// redis/go-redis/v9. Keys are namespaced under "mxf:validation:" and
// entries expire after ttl so a stale verdict for a tool whose schema
// changed cannot live forever.
type RedisValidationCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisValidationCache builds a RedisValidationCache over client.
func NewRedisValidationCache(client *redis.Client, ttl time.Duration) *RedisValidationCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisValidationCache{client: client, ttl: ttl, prefix: "mxf:validation:"}
}

// NewRedisClient builds a *redis.Client from connection settings, exposed
// so callers (the composition root) don't need to import go-redis
// directly just to construct one.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisValidationCache) Get(ctx context.Context, key string) (models.Verdict, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return models.Verdict{}, false, nil
	}
	if err != nil {
		return models.Verdict{}, false, fmt.Errorf("storage: redis get: %w", err)
	}

	var verdict models.Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return models.Verdict{}, false, fmt.Errorf("storage: decode cached verdict: %w", err)
	}
	return verdict, true, nil
}

func (c *RedisValidationCache) Set(ctx context.Context, key string, verdict models.Verdict) error {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("storage: encode verdict: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	return nil
}
