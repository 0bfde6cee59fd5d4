package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	"github.com/taoyao-code/meter-dispatch/internal/health"
	redisstorage "github.com/taoyao-code/meter-dispatch/internal/storage/redis"
)

// NewRedisClient 创建 Redis 客户端；未启用返回 nil
func NewRedisClient(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	if !cfg.Enabled {
		logger.Info("redis is disabled, settings cache and sweep lock are process local")
		return nil, nil
	}
	client, err := redisstorage.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))
	return client, nil
}

// AddRedisChecker Redis 为非关键依赖，故障只降级
func AddRedisChecker(aggregator *health.Aggregator, redisClient *redisstorage.Client) {
	if redisClient != nil {
		aggregator.AddChecker(health.Optional(health.NewRedisChecker(redisClient)))
	}
}
