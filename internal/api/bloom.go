package api

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	bloomBits   = 1 << 20
	bloomHashes = 4
	bloomTTL    = 48 * time.Hour
)

// 文档注释：计算布隆过滤器位置
// 参数：m 为位图大小，k 为哈希次数。
// 背景：FNV64a 结合索引扰动生成 k 个位置，用于 GetBit/SetBit。
func bloomPositions(data []byte, m uint32, k int) []int64 {
	pos := make([]int64, k)
	for i := 0; i < k; i++ {
		h := fnv.New64a()
		h.Write([]byte{byte(i)})
		h.Write(data)
		pos[i] = int64(uint32(h.Sum64() % uint64(m)))
	}
	return pos
}

// 文档注释：检查并写入布隆过滤器位图
// 返回：true 表示首次见到（已写入位图）；false 表示可能已见过。
// 异常：Redis 交互错误时返回 error，调用方按“首次见到”处理。
func bloomCheckAndSet(ctx context.Context, rc *redis.Client, key string, positions []int64, ttl time.Duration) (bool, error) {
	pipe := rc.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, p := range positions {
		cmds[i] = pipe.GetBit(ctx, key, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	seen := true
	for _, c := range cmds {
		if c.Val() == 0 {
			seen = false
			break
		}
	}
	if seen {
		return false, nil
	}
	pipe = rc.Pipeline()
	for _, p := range positions {
		pipe.SetBit(ctx, key, p, 1)
	}
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return true, err
}
