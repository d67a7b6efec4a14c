package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
)

// Client 包装 go-redis 客户端。本服务中 Redis 是可选依赖，
// 只承载厂商令牌共享缓存；cfg.Enabled=false 时不应调用构造函数。
type Client struct {
	*redis.Client
}

// NewClient 建立连接并 Ping 验证可达性
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis disabled in config")
	}

	c := &Client{Client: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})}

	pingTO := cfg.DialTimeout
	if pingTO <= 0 {
		pingTO = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTO)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Close 释放连接池
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// HealthCheck 健康检查探针用
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Stats 连接池统计
func (c *Client) Stats() *redis.PoolStats {
	return c.PoolStats()
}
