// 包 query：同步、并发安全的查询路径（解析地址 → 获取租约 → 查询 → 释放）
package query

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"geoip-api/internal/geodb"
	"geoip-api/internal/metrics"
)

// ErrUnavailable：尚未发布任何数据集；首次刷新成功后自动恢复
var ErrUnavailable = errors.New("geolocation dataset unavailable")

// ValidationError：输入不是合法的 IPv4/IPv6 地址
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Reason)
}

// Options：查询选项；Lang 为名称语言，空值使用引擎默认语言
type Options struct {
	Lang string
}

// 文档注释：查询引擎
// 背景：每次查询从注册表取得当前句柄的租约，查询结束即释放；查询期间发生的发布不影响本次结果。
// 约束：不做任何 I/O，不持有跨请求的锁。
type Engine struct {
	reg  *geodb.Registry
	lang string
}

// New：构建查询引擎；lang 为默认名称语言
func New(reg *geodb.Registry, lang string) *Engine {
	if lang == "" {
		lang = geodb.DefaultLang
	}
	return &Engine{reg: reg, lang: lang}
}

// ParseAddr：严格解析地址；去除 zone，IPv4 映射地址还原为 IPv4
func ParseAddr(raw string) (netip.Addr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return netip.Addr{}, &ValidationError{Input: raw, Reason: "empty"}
	}
	if len(s) > 64 {
		return netip.Addr{}, &ValidationError{Input: raw[:64], Reason: "too long"}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &ValidationError{Input: raw, Reason: "not an IP address"}
	}
	return addr.WithZone("").Unmap(), nil
}

// 文档注释：查询
// 返回：非法输入为 *ValidationError（不会触碰任何句柄）；无数据集为 ErrUnavailable；地址不在任何网段为 geodb.ErrNotFound。
func (e *Engine) Lookup(raw string, opts Options) (geodb.Record, error) {
	t0 := time.Now()
	rec, err := e.lookup(raw, opts)
	metrics.LookupsTotal.WithLabelValues(outcome(err)).Inc()
	metrics.LookupDurationUs.Observe(float64(time.Since(t0).Microseconds()))
	return rec, err
}

func (e *Engine) lookup(raw string, opts Options) (geodb.Record, error) {
	addr, err := ParseAddr(raw)
	if err != nil {
		return geodb.Record{}, err
	}
	lease, err := e.reg.Acquire()
	if err != nil {
		if errors.Is(err, geodb.ErrNoDataset) {
			return geodb.Record{}, ErrUnavailable
		}
		return geodb.Record{}, err
	}
	defer lease.Release()
	lang := opts.Lang
	if lang == "" {
		lang = e.lang
	}
	return lease.Handle().Lookup(addr, lang)
}

func outcome(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, geodb.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "error"
}
