// 包 utils：外部存储连接工具（Redis 响应缓存、PostgreSQL 审计库）
package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"geoip-api/internal/config"
	"geoip-api/internal/logger"
)

// OpenRedis：按配置打开 Redis 客户端并探活；未启用时返回 nil
// 约束：探活失败时关闭客户端并返回错误，调用方据此决定降级为无缓存
func OpenRedis(ctx context.Context, c config.Redis) (*redis.Client, error) {
	if !c.Enabled {
		return nil, nil
	}
	rc := redis.NewClient(&redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})
	logger.L().Debug("redis_env", "addr", c.Addr(), "db", c.DB)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return rc, nil
}
