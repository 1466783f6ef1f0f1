// 包 refresh：后台刷新器；拉取、构建并原子发布新数据集，失败时保留当前句柄
package refresh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"geoip-api/internal/acquire"
	"geoip-api/internal/geodb"
	"geoip-api/internal/logger"
	"geoip-api/internal/metrics"
)

// ErrBusy：已有刷新在进行（本进程状态机非 Idle，或暂存目录被其他进程锁定）
var ErrBusy = errors.New("refresh already in progress")

const (
	backoffMultiplier = 2.0
	backoffJitter     = 0.1
	recordTimeout     = 5 * time.Second
)

// Builder：由暂存文件构建句柄
type Builder func(path string) (*geodb.Handle, error)

// Recorder：刷新审计记录（可选）
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Attempt：一次刷新尝试的审计条目
type Attempt struct {
	Started    time.Time
	Duration   time.Duration
	Outcome    Outcome
	Err        string
	Checksum   string
	Generation uint64
}

// Status：刷新状态快照
type Status struct {
	State               State     `json:"state"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastOutcome         Outcome   `json:"last_outcome,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRun             time.Time `json:"next_run,omitempty"`
	Generation          uint64    `json:"generation"`
}

// Config：刷新参数
// 约束：Path 为唯一的活动数据集文件；暂存文件与锁文件与其同目录。ArchivePath 非空时，获取器留下的暂存归档在安装成功后转正到该路径。
type Config struct {
	Path           string
	ArchivePath    string
	Interval       time.Duration
	FetchTimeout   time.Duration
	BackoffInitial time.Duration
	StartupRetries int
	StartupBackoff time.Duration
	Credential     acquire.Credential
	Build          Builder
	Recorder       Recorder
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Minute
	}
	if c.BackoffInitial > c.Interval {
		c.BackoffInitial = c.Interval
	}
	if c.StartupBackoff <= 0 {
		c.StartupBackoff = 2 * time.Second
	}
	if c.StartupRetries < 0 {
		c.StartupRetries = 0
	}
	if c.Build == nil {
		c.Build = func(path string) (*geodb.Handle, error) { return geodb.Build(path, geodb.BuildOptions{}) }
	}
}

// 文档注释：刷新器
// 背景：单个后台协程按周期驱动；管理端的强制刷新与定时刷新共用同一状态机，任一时刻至多一个刷新在进行。
// 约束：发布只是注册表的一次指针替换，不持有跨构建的锁；查询路径从不等待刷新。
type Refresher struct {
	cfg   Config
	reg   *geodb.Registry
	fetch acquire.Fetcher
	lock  *flock.Flock

	state atomic.Int32

	mu     sync.Mutex
	status Status
	bo     *backoff.ExponentialBackOff
	delay  time.Duration
}

// New：构建刷新器
func New(cfg Config, reg *geodb.Registry, f acquire.Fetcher) *Refresher {
	cfg.defaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffJitter
	bo.MaxInterval = cfg.Interval
	bo.MaxElapsedTime = 0
	bo.Reset()
	dir, base := filepath.Split(cfg.Path)
	return &Refresher{
		cfg:   cfg,
		reg:   reg,
		fetch: f,
		lock:  flock.New(filepath.Join(dir, "."+base+".lock")),
		bo:    bo,
		delay: cfg.Interval,
	}
}

// StagedPath：暂存文件路径
func (r *Refresher) StagedPath() string { return r.cfg.Path + ".staged" }

// State：当前状态机状态
func (r *Refresher) State() State { return State(r.state.Load()) }

// Status：返回状态快照
func (r *Refresher) Status() Status {
	r.mu.Lock()
	st := r.status
	r.mu.Unlock()
	st.State = r.State()
	st.Generation = r.reg.Generation()
	return st
}

// 文档注释：执行一次刷新
// 背景：Idle→Fetching 通过 CAS 抢占；失败说明已有刷新在进行，本次记录并跳过。暂存目录再由文件锁保护，避免与 geoip-fetch 等外部进程同时写入。
// 返回：成功（含内容未变）为 nil；忙碌为 ErrBusy；其余为获取、构建或落盘错误。
func (r *Refresher) Refresh(ctx context.Context) error {
	l := logger.L()
	if !r.state.CompareAndSwap(int32(Idle), int32(Fetching)) {
		l.Info("refresh_skip_busy", "state", r.State().String())
		metrics.RefreshTotal.WithLabelValues(string(OutcomeBusy)).Inc()
		return ErrBusy
	}
	defer r.state.Store(int32(Idle))

	if err := os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		r.finish(ctx, time.Now(), OutcomePersist, "", err)
		return err
	}
	locked, err := r.lock.TryLock()
	if err != nil {
		r.finish(ctx, time.Now(), OutcomePersist, "", err)
		return err
	}
	if !locked {
		l.Info("refresh_skip_locked", "lock", r.lock.Path())
		metrics.RefreshTotal.WithLabelValues(string(OutcomeBusy)).Inc()
		return ErrBusy
	}
	defer func() { _ = r.lock.Unlock() }()

	started := time.Now()
	outcome, sum, err := r.cycle(ctx)
	r.finish(ctx, started, outcome, sum, err)
	return err
}

func (r *Refresher) cycle(ctx context.Context) (outcome Outcome, sum string, err error) {
	l := logger.L()
	staged := r.StagedPath()
	defer func() { r.settleArchive(staged, outcome) }()
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	path, err := r.fetch.Fetch(fctx, r.cfg.Credential, staged)
	cancel()
	if err != nil {
		_ = os.Remove(staged)
		return fetchOutcome(err), "", err
	}
	sum, err = geodb.FileChecksum(path)
	if err != nil {
		_ = os.Remove(path)
		return OutcomePersist, "", err
	}
	if id, ok := r.reg.Current(); ok && id.Checksum == sum {
		_ = os.Remove(path)
		l.Info("refresh_unchanged", "checksum", sum, "generation", id.Generation)
		return OutcomeUnchanged, sum, nil
	}

	r.state.Store(int32(Building))
	h, err := r.cfg.Build(path)
	if err != nil {
		_ = os.Remove(path)
		return OutcomeDecode, sum, err
	}

	r.state.Store(int32(Publishing))
	if err := os.Rename(path, r.cfg.Path); err != nil {
		_ = h.Close()
		_ = os.Remove(path)
		return OutcomePersist, sum, fmt.Errorf("install dataset: %w", err)
	}
	gen, perr := r.reg.Publish(h)
	if perr != nil {
		_ = h.Close()
		return OutcomePersist, sum, fmt.Errorf("publish dataset: %w", perr)
	}
	l.Info("refresh_publish_ok", "generation", gen, "checksum", sum, "path", r.cfg.Path)
	return OutcomeOK, sum, nil
}

// settleArchive：数据集已安装或内容未变时转正暂存归档，其余结果一律丢弃
func (r *Refresher) settleArchive(staged string, outcome Outcome) {
	archive := acquire.StagedArchive(staged)
	if _, err := os.Stat(archive); err != nil {
		return
	}
	if !outcome.Succeeded() || r.cfg.ArchivePath == "" {
		_ = os.Remove(archive)
		return
	}
	if err := os.Rename(archive, r.cfg.ArchivePath); err != nil {
		logger.L().Error("refresh_archive_keep_error", "err", err)
		_ = os.Remove(archive)
	}
}

func fetchOutcome(err error) Outcome {
	kind, ok := acquire.KindOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return OutcomeTimeout
		}
		return OutcomeNetwork
	}
	switch kind {
	case acquire.KindAuth:
		return OutcomeAuth
	case acquire.KindTimeout:
		return OutcomeTimeout
	case acquire.KindIntegrity:
		return OutcomeIntegrity
	}
	return OutcomeNetwork
}

// finish：更新状态、指标、下一次延迟与审计记录
func (r *Refresher) finish(ctx context.Context, started time.Time, outcome Outcome, sum string, err error) {
	l := logger.L()
	now := time.Now()
	gen := r.reg.Generation()

	r.mu.Lock()
	r.status.LastAttempt = started
	r.status.LastOutcome = outcome
	r.status.LastError = ""
	switch {
	case outcome.Succeeded():
		r.status.LastSuccess = now
		r.status.ConsecutiveFailures = 0
		r.bo.Reset()
		r.delay = r.cfg.Interval
	case outcome == OutcomeAuth:
		r.status.LastError = err.Error()
		r.status.ConsecutiveFailures++
		r.delay = r.cfg.Interval
	default:
		r.status.LastError = err.Error()
		r.status.ConsecutiveFailures++
		r.delay = min(r.bo.NextBackOff(), r.cfg.Interval)
	}
	failures := r.status.ConsecutiveFailures
	delay := r.delay
	r.mu.Unlock()

	metrics.RefreshTotal.WithLabelValues(string(outcome)).Inc()
	metrics.RefreshConsecutiveFailures.Set(float64(failures))
	switch {
	case outcome.Succeeded():
		metrics.RefreshLastSuccess.Set(float64(now.Unix()))
	case outcome == OutcomeAuth:
		l.Error("refresh_auth_failed", "err", err, "failures", failures, "next_in", delay.String())
	default:
		l.Warn("refresh_failed", "outcome", string(outcome), "err", err, "failures", failures, "next_in", delay.String())
	}

	if r.cfg.Recorder == nil {
		return
	}
	a := Attempt{Started: started, Duration: now.Sub(started), Outcome: outcome, Checksum: sum, Generation: gen}
	if err != nil {
		a.Err = err.Error()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if rerr := r.cfg.Recorder.RecordAttempt(rctx, a); rerr != nil {
		l.Error("refresh_record_error", "err", rerr)
	}
}

// NextDelay：下一次定时刷新前的等待时长
func (r *Refresher) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// initialDelay：按本地数据集文件的年龄推算首次刷新时间；无文件、无已发布数据集或已过期则立即刷新
func (r *Refresher) initialDelay() time.Duration {
	if _, ok := r.reg.Current(); !ok {
		return 0
	}
	fi, err := os.Stat(r.cfg.Path)
	if err != nil {
		return 0
	}
	age := time.Since(fi.ModTime())
	if age >= r.cfg.Interval {
		return 0
	}
	return r.cfg.Interval - age
}

// 文档注释：定时刷新循环
// 背景：单一定时器驱动；每次刷新结束后按结果重设延迟（成功为完整周期，失败为退避时长）。进行中的刷新不会被后续定时打断。
// 约束：ctx 取消后返回 nil。
func (r *Refresher) Run(ctx context.Context) error {
	delay := r.initialDelay()
	t := time.NewTimer(delay)
	defer t.Stop()
	r.setNextRun(delay)
	logger.L().Info("refresh_loop_start", "interval", r.cfg.Interval.String(), "first_in", delay.String())
	for {
		select {
		case <-ctx.Done():
			logger.L().Info("refresh_loop_stop")
			return nil
		case <-t.C:
		}
		if err := r.Refresh(ctx); err != nil && ctx.Err() != nil {
			logger.L().Info("refresh_loop_stop")
			return nil
		}
		delay = r.NextDelay()
		t.Reset(delay)
		r.setNextRun(delay)
	}
}

func (r *Refresher) setNextRun(d time.Duration) {
	r.mu.Lock()
	r.status.NextRun = time.Now().Add(d)
	r.mu.Unlock()
}
