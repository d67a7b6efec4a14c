package health

import (
	"context"
	"fmt"
	"time"

	redisstorage "github.com/taoyao-code/cabinet-server/internal/storage/redis"
)

// RedisChecker Redis 健康检查（可选组件，未启用时不注册）
type RedisChecker struct {
	client *redisstorage.Client
}

// NewRedisChecker 创建Redis检查器
func NewRedisChecker(client *redisstorage.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

// Check ping + 连接池统计
func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.client.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.client.Stats()
	return CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]any{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"timeouts":    stats.Timeouts,
		},
		Latency: time.Since(start),
	}
}
