// 包 middleware：入口限流
package middleware

import (
	"net/http"
	"sync"
	"time"

	"geoip-api/internal/logger"
)

// 文档注释：令牌桶限流（每秒）
// 背景：在流量峰值时对入口进行限速，避免缓存与审计库被过载。
// 约束：简化实现，不做队列排队，超限直接返回 429；每个自然秒补满一次。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
	now      func() time.Time
}

// NewTokenBucket：容量即每秒允许的请求数
func NewTokenBucket(qps int) *TokenBucket {
	return &TokenBucket{capacity: qps, tokens: qps, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wrap：enabled 为 false 时原样返回 next
func Wrap(next http.Handler, enabled bool, qps int) http.Handler {
	if !enabled {
		return next
	}
	if qps <= 0 {
		qps = 200
	}
	tb := NewTokenBucket(qps)
	logger.L().Info("rate_limit_enabled", "qps", qps)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tb.allow() {
			logger.L().Debug("rate_limit_reject", "path", r.URL.Path)
			w.Header().Set("retry-after", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
