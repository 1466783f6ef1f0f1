// 程序入口：读取配置、装载数据集、启动后台刷新与 HTTP 服务；路由注册在 internal/api
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"geoip-api/internal/acquire"
	"geoip-api/internal/api"
	"geoip-api/internal/config"
	"geoip-api/internal/geodb"
	"geoip-api/internal/logger"
	"geoip-api/internal/middleware"
	"geoip-api/internal/migrate"
	"geoip-api/internal/query"
	"geoip-api/internal/refresh"
	"geoip-api/internal/store"
	"geoip-api/internal/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("geoip-api", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	l := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Set(l)
	if err != nil {
		l.Error("config_error", "err", err)
		return 2
	}
	l.Debug("log_init_ok")
	l.Debug("config_api_base", "base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	db, err := utils.OpenPostgres(ctx, cfg.PG)
	switch {
	case err != nil:
		l.Error("db_open_error", "err", err)
	case db == nil:
		l.Info("db_disabled")
	default:
		defer db.Close()
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			l.Error("schema_error", "err", err)
			return 1
		}
		st = store.AttachDB(db)
		l.Info("db_open_ok")
	}

	rc, err := utils.OpenRedis(ctx, cfg.Redis)
	switch {
	case err != nil:
		l.Error("redis_ping_error", "err", err)
	case rc == nil:
		l.Info("redis_disabled")
	default:
		defer rc.Close()
		l.Info("redis_ping_ok")
	}

	reg := geodb.NewRegistry()
	defer reg.Close()
	fetcher, cred := acquire.FromConfig(cfg)
	opts := geodb.BuildOptions{Format: cfg.Format, XDBIPVersion: cfg.XDBIPVersion}
	rcfg := refresh.Config{
		Path:           cfg.DBPath,
		ArchivePath:    cfg.ArchivePath(),
		Interval:       cfg.Interval,
		FetchTimeout:   cfg.FetchTimeout,
		BackoffInitial: cfg.BackoffInitial,
		StartupRetries: cfg.StartupRetries,
		Credential:     cred,
		Build:          func(p string) (*geodb.Handle, error) { return geodb.Build(p, opts) },
	}
	if st != nil {
		rcfg.Recorder = st
	}
	ref := refresh.New(rcfg, reg, fetcher)

	if err := ref.Bootstrap(ctx); err != nil {
		if cfg.RequireDataset {
			l.Error("bootstrap_failed", "err", err)
			return 1
		}
		l.Warn("bootstrap_degraded", "err", err)
	}

	mux := http.NewServeMux()
	api.Mount(mux, cfg.APIBase, &api.Deps{
		Engine:      query.New(reg, cfg.Lang),
		Registry:    reg,
		Refresher:   ref,
		Store:       st,
		Cache:       api.NewRedisCache(rc),
		AdminToken:  cfg.AdminToken,
		ArchivePath: cfg.ArchivePath(),
		Lang:        cfg.Lang,
	})
	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler, cfg.RateLimitEnabled, cfg.RateLimitQPS)
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ref.Run(gctx) })
	g.Go(func() error {
		var err error
		if cfg.TLSEnabled {
			if err := utils.EnsureSelfSignedCert(cfg.TLSCert, cfg.TLSKey, "geoip-api.local"); err != nil {
				return err
			}
			l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCert)
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			l.Info("listening", "addr", cfg.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		l.Error("server_error", "err", err)
		return 1
	}
	l.Info("shutdown_ok")
	return 0
}
