package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// 文档注释：响应缓存
// 背景：缓存键包含数据集摘要前缀，发布新数据集后旧键自然失效，无需主动清理。
// 约束：缓存错误只降级为未命中，不影响查询结果。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	// FirstVisit：访客当日是否首次出现（用于访客计数）
	FirstVisit(ctx context.Context, visitor string, day time.Time) (bool, error)
}

const cacheTTL = 24 * time.Hour

// cacheKey：geo:<摘要前 12 位>:<语言>:<地址>
func cacheKey(checksum, lang, addr string) string {
	if len(checksum) > 12 {
		checksum = checksum[:12]
	}
	return "geo:" + checksum + ":" + lang + ":" + addr
}

type redisCache struct {
	rc *redis.Client
}

// NewRedisCache：以 Redis 客户端实现 Cache；rc 为 nil 时返回 nil
func NewRedisCache(rc *redis.Client) Cache {
	if rc == nil {
		return nil
	}
	return &redisCache{rc: rc}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := c.rc.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.rc.Set(ctx, key, val, ttl).Err()
}

func (c *redisCache) FirstVisit(ctx context.Context, visitor string, day time.Time) (bool, error) {
	key := "geo:visitors:" + day.UTC().Format("20060102")
	return bloomCheckAndSet(ctx, c.rc, key, bloomPositions([]byte(visitor), bloomBits, bloomHashes), bloomTTL)
}
