package api

import (
	"net"
	"net/http"
	"strings"
)

// 文档注释：获取客户端 IP（未指定查询地址时使用）
// 背景：多层代理环境下依次读取 X-Real-IP、X-Forwarded-For 首段、其他常见代理头与 Forwarded，最后回退远端地址。
// 约束：代理头可被伪造，只影响“查询谁”，不用于鉴权。
func getClientIP(r *http.Request) string {
	h := r.Header
	if x := strings.TrimSpace(h.Get("x-real-ip")); x != "" {
		return x
	}
	if x := h.Get("x-forwarded-for"); x != "" {
		return strings.TrimSpace(strings.Split(x, ",")[0])
	}
	for _, k := range []string{"cf-connecting-ip", "x-client-ip"} {
		if x := strings.TrimSpace(h.Get(k)); x != "" {
			return x
		}
	}
	if x := h.Get("forwarded"); x != "" {
		if y, ok := forwardedFor(x); ok {
			return y
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor：取 RFC 7239 Forwarded 头首个 for= 值，去掉引号、方括号与端口
func forwardedFor(v string) (string, bool) {
	i := strings.Index(strings.ToLower(v), "for=")
	if i < 0 {
		return "", false
	}
	y := v[i+4:]
	if p := strings.IndexAny(y, ";,"); p >= 0 {
		y = y[:p]
	}
	y = strings.Trim(y, "\" ")
	if strings.HasPrefix(y, "[") {
		if p := strings.IndexByte(y, ']'); p > 0 {
			return y[1:p], true
		}
	}
	if host, _, err := net.SplitHostPort(y); err == nil {
		return host, true
	}
	return y, y != ""
}
