package cache

import (
	"context"
	"fmt"
	"time"

	"paysupport/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var RedisClient *redis.Client

// InitRedis 连接 Redis
// 与订单系统不同，客服核心在 Redis 不可用时仍然可以降级运行（限流放行、幂等走数据库），
// 所以这里 ping 失败只告警不退出
func InitRedis(cfg *config.RedisConfig, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("连接 Redis 失败，将以降级模式运行", zap.Error(err))
	} else {
		log.Info("Redis 连接成功")
	}

	RedisClient = client
	return client
}
