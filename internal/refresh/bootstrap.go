package refresh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"geoip-api/internal/acquire"
	"geoip-api/internal/logger"
)

// ErrNoDataset：启动阶段未能发布任何数据集
var ErrNoDataset = errors.New("no dataset could be published at startup")

// 文档注释：启动装载
// 背景：本地数据集文件存在且可解析时直接发布；否则强制刷新，按 StartupRetries 做指数退避重试。鉴权失败不再重试。
// 返回：仅当最终没有任何数据集被发布时返回错误（包装 ErrNoDataset），是否退出进程由调用方决定。
func (r *Refresher) Bootstrap(ctx context.Context) error {
	l := logger.L()
	if fi, err := os.Stat(r.cfg.Path); err == nil {
		h, err := r.cfg.Build(r.cfg.Path)
		if err == nil {
			var gen uint64
			if gen, err = r.reg.Publish(h); err == nil {
				r.mu.Lock()
				r.status.LastSuccess = fi.ModTime()
				r.mu.Unlock()
				l.Info("bootstrap_local_ok", "path", r.cfg.Path, "generation", gen)
				return nil
			}
			_ = h.Close()
		}
		l.Warn("bootstrap_local_invalid", "path", r.cfg.Path, "err", err)
	} else {
		l.Info("bootstrap_local_missing", "path", r.cfg.Path)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.StartupBackoff
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.StartupRetries)), ctx)

	op := func() error {
		err := r.Refresh(ctx)
		if err != nil {
			if kind, _ := acquire.KindOf(err); kind == acquire.KindAuth {
				return backoff.Permanent(err)
			}
			return err
		}
		if _, ok := r.reg.Current(); !ok {
			return errors.New("refresh finished without a dataset")
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		l.Warn("bootstrap_retry", "err", err, "in", d.String())
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNoDataset, ctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrNoDataset, err)
	}
	l.Info("bootstrap_fetch_ok", "generation", r.reg.Generation())
	return nil
}
