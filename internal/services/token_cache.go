package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores the gateway bearer token between pushes.
type TokenCache interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// MemoryTokenCache keeps the token in process memory.
type MemoryTokenCache struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expiry) {
		return "", false, nil
	}
	return c.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, token string, ttl time.Duration) error {
	c.mu.Lock()
	c.token = token
	c.expiry = c.now().Add(ttl)
	c.mu.Unlock()
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
	return nil
}

// RedisTokenCache shares the token between service instances.
type RedisTokenCache struct {
	client *redis.Client
	key    string
}

// NewRedisTokenCache stores the token under a key scoped to the shortcode.
func NewRedisTokenCache(client *redis.Client, shortcode string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: "mpesa:token:" + shortcode}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached token: %w", err)
	}
	return val, val != "", nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Delete(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
