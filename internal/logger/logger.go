// 包 logger：进程级日志器，由环境变量控制级别与输出格式
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
)

// ParseLevel：将 LOG_LEVEL 文本映射为 slog 级别，未知值回退到 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New：按级别与格式构建日志器，format 为 json 时输出 JSON，否则输出 text
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup：初始化默认日志器
// 约束：输出目标固定为标准错误；重复调用会覆盖之前的默认日志器
func Setup() *slog.Logger {
	l := New(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
	Set(l)
	return l
}

// Set：替换默认日志器，测试中用于捕获输出
func Set(l *slog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// L：获取默认日志器；未初始化时回退到 Setup
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return Setup()
	}
	return l
}
