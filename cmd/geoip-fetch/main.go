package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	flag "github.com/spf13/pflag"

	"geoip-api/internal/acquire"
	"geoip-api/internal/config"
	"geoip-api/internal/geodb"
	"geoip-api/internal/logger"
	"geoip-api/internal/refresh"
)

// 文档注释：一次性拉取并安装数据集
// 背景：用于首次部署预热或定时任务；流程与服务内的刷新完全一致（校验、构建验证、原子替换），并与运行中的服务共用暂存锁。
// 约束：退出码 0 表示已安装或内容未变，3 表示另有刷新在进行，其余失败为 1。
func main() {
	cfg, err := config.Load("geoip-fetch", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	l := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Set(l)
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := geodb.NewRegistry()
	opts := geodb.BuildOptions{Format: cfg.Format, XDBIPVersion: cfg.XDBIPVersion}
	build := func(p string) (*geodb.Handle, error) { return geodb.Build(p, opts) }
	// 先装载现有文件，使内容未变时跳过替换
	if h, err := build(cfg.DBPath); err == nil {
		_, _ = reg.Publish(h)
	}
	fetcher, cred := acquire.FromConfig(cfg)
	ref := refresh.New(refresh.Config{
		Path:         cfg.DBPath,
		ArchivePath:  cfg.ArchivePath(),
		Interval:     cfg.Interval,
		FetchTimeout: cfg.FetchTimeout,
		Credential:   cred,
		Build:        build,
	}, reg, fetcher)
	err = ref.Refresh(ctx)
	reg.Close()
	switch {
	case err == nil:
		st := ref.Status()
		fmt.Printf("%s %s\n", st.LastOutcome, cfg.DBPath)
	case errors.Is(err, refresh.ErrBusy):
		l.Warn("fetch_busy", "path", cfg.DBPath)
		os.Exit(3)
	default:
		l.Error("fetch_failed", "err", err)
		os.Exit(1)
	}
}
