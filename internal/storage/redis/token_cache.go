package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache 厂商登录令牌缓存。
// 多实例部署时共享同一令牌，避免每个进程各自刷新导致旧令牌被厂商侧作废。
type TokenCache struct {
	client *Client
	key    string
}

// NewTokenCache 创建令牌缓存
func NewTokenCache(client *Client, key string) *TokenCache {
	if key == "" {
		key = "vendor:token"
	}
	return &TokenCache{client: client, key: key}
}

// Get 读取缓存令牌；不存在返回空串
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if c == nil || c.client == nil {
		return "", nil
	}
	v, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Set 写入令牌并设置过期
func (c *TokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key, token, ttl).Err()
}

// Invalidate 主动作废（厂商返回 401 时调用）
func (c *TokenCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key).Err()
}
