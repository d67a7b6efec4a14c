package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
	redisstore "github.com/taoyao-code/cabinet-server/internal/storage/redis"
)

// NewRedisClient 按配置创建 Redis 客户端；未启用时返回 (nil, nil)
func NewRedisClient(cfg cfgpkg.RedisConfig, log *zap.Logger) (*redisstore.Client, error) {
	if !cfg.Enabled {
		log.Info("redis disabled")
		return nil, nil
	}
	client, err := redisstore.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("redis connected", zap.String("addr", cfg.Addr))
	return client, nil
}
