package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache returns (nil, nil) when nothing is cached.
type TokenCache interface {
	Get(ctx context.Context) (*CachedToken, error)
	Set(ctx context.Context, token CachedToken) error
}

type MemoryTokenCache struct {
	mu    sync.Mutex
	token *CachedToken
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get(context.Context) (*CachedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil, nil
	}
	t := *c.token
	return &t, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, token CachedToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &token
	return nil
}

// RedisTokenCache shares the token between the service and the CLI.
type RedisTokenCache struct {
	client redis.Cmdable
	key    string
}

func NewRedisTokenCache(client redis.Cmdable, clientID string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: "reservation-sync:token:" + clientID}
}

func (c *RedisTokenCache) Get(ctx context.Context) (*CachedToken, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var token CachedToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token CachedToken) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, raw, ttl).Err()
}
