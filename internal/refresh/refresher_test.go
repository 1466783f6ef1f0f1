package refresh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"

	"geoip-api/internal/acquire"
	"geoip-api/internal/geodb"
	"geoip-api/internal/geodb/geodbtest"
	"geoip-api/internal/logger"
)

// fakeFetcher stages whatever step returns for the n-th call.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	step  func(ctx context.Context, n int, dest string) error
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ acquire.Credential, dest string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if err := f.step(ctx, n, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func copyFrom(src string) func(context.Context, int, string) error {
	return func(_ context.Context, _ int, dest string) error {
		return copyFile(src, dest)
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func unreachable(context.Context, int, string) error {
	return &acquire.Error{Kind: acquire.KindNetwork, Op: "download", Err: errors.New("connection refused")}
}

type memRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (m *memRecorder) RecordAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Outcome
	for _, a := range m.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

type fixture struct {
	dir       string
	active    string
	archive   string
	v1, v2    string
	reg       *geodb.Registry
	fetcher   *fakeFetcher
	recorder  *memRecorder
	refresher *Refresher
}

func newFixture(t *testing.T, withLocal bool, step func(context.Context, int, string) error) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		dir:      dir,
		active:   filepath.Join(dir, "data", "GeoLite2-City.mmdb"),
		archive:  filepath.Join(dir, "data", "GeoLite2-City.tar.gz"),
		v1:       geodbtest.MustWrite(t, filepath.Join(dir, "v1.mmdb"), geodbtest.Options{}, geodbtest.Testland()...),
		v2:       geodbtest.MustWrite(t, filepath.Join(dir, "v2.mmdb"), geodbtest.Options{}, geodbtest.Testlandia()...),
		reg:      geodb.NewRegistry(),
		fetcher:  &fakeFetcher{step: step},
		recorder: &memRecorder{},
	}
	t.Cleanup(fx.reg.Close)
	if withLocal {
		if err := os.MkdirAll(filepath.Dir(fx.active), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := copyFile(fx.v1, fx.active); err != nil {
			t.Fatal(err)
		}
	}
	fx.refresher = New(Config{
		Path:           fx.active,
		ArchivePath:    fx.archive,
		Interval:       time.Hour,
		FetchTimeout:   time.Second,
		BackoffInitial: time.Minute,
		StartupRetries: 2,
		StartupBackoff: time.Millisecond,
		Recorder:       fx.recorder,
	}, fx.reg, fx.fetcher)
	return fx
}

func (fx *fixture) country(t *testing.T) string {
	t.Helper()
	l, err := fx.reg.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	rec, err := l.Handle().Lookup(netip.MustParseAddr("203.0.113.5"), "")
	if err != nil {
		t.Fatal(err)
	}
	return rec.Country.Name
}

func TestRefreshPublishesNewDataset(t *testing.T) {
	fx := newFixture(t, true, nil)
	fx.fetcher.step = copyFrom(fx.v2)
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.fetcher.Calls() != 0 {
		t.Fatal("valid local dataset must not trigger a fetch")
	}

	inflight, err := fx.reg.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	old := inflight.Handle()
	if err := fx.refresher.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec, err := old.Lookup(netip.MustParseAddr("203.0.113.5"), "")
	if err != nil {
		t.Fatal("in-flight lease broken by publish:", err)
	}
	if rec.Country.Name != "Testland" {
		t.Fatal("in-flight lookup saw", rec.Country.Name)
	}
	if got := fx.country(t); got != "Testlandia" {
		t.Fatal("new lookup saw", got)
	}
	if old.Closed() {
		t.Fatal("retired handle closed while leased")
	}
	inflight.Release()
	if !old.Closed() {
		t.Fatal("retired handle not closed after last release")
	}

	want, _ := geodb.FileChecksum(fx.v2)
	got, err := geodb.FileChecksum(fx.active)
	if err != nil || got != want {
		t.Fatal("active file not replaced", got, err)
	}
	if _, err := os.Stat(fx.refresher.StagedPath()); !os.IsNotExist(err) {
		t.Fatal("staged file left behind")
	}
	st := fx.refresher.Status()
	if st.Generation != 2 || st.LastOutcome != OutcomeOK || st.ConsecutiveFailures != 0 || st.State != Idle {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRefreshFailuresKeepActiveHandle(t *testing.T) {
	fx := newFixture(t, true, unreachable)
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _ := fx.reg.Current()
	for i := 1; i <= 3; i++ {
		err := fx.refresher.Refresh(context.Background())
		if kind, _ := acquire.KindOf(err); kind != acquire.KindNetwork {
			t.Fatal("expected network error, got", err)
		}
		st := fx.refresher.Status()
		if st.ConsecutiveFailures != i {
			t.Fatal("tick", i, "consecutive failures", st.ConsecutiveFailures)
		}
		after, _ := fx.reg.Current()
		if diff := cmp.Diff(before, after); diff != "" {
			t.Fatal(diff)
		}
		if got := fx.country(t); got != "Testland" {
			t.Fatal("lookup after failed tick saw", got)
		}
	}
	if diff := cmp.Diff([]Outcome{OutcomeNetwork, OutcomeNetwork, OutcomeNetwork}, fx.recorder.outcomes()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRefreshDecodeErrorKeepsActiveHandle(t *testing.T) {
	fx := newFixture(t, true, func(_ context.Context, _ int, dest string) error {
		return os.WriteFile(dest, []byte("definitely not a database"), 0o644)
	})
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := fx.refresher.Refresh(context.Background())
	if !geodb.IsDecodeError(err) {
		t.Fatal("expected decode error, got", err)
	}
	if got := fx.country(t); got != "Testland" {
		t.Fatal("lookup after bad refresh saw", got)
	}
	want, _ := geodb.FileChecksum(fx.v1)
	if got, _ := geodb.FileChecksum(fx.active); got != want {
		t.Fatal("active file touched by failed build")
	}
	if _, err := os.Stat(fx.refresher.StagedPath()); !os.IsNotExist(err) {
		t.Fatal("rejected candidate left behind")
	}
	if st := fx.refresher.Status(); st.LastOutcome != OutcomeDecode || st.Generation != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestArchiveFollowsPublishedDataset(t *testing.T) {
	var fx *fixture
	fx = newFixture(t, false, func(_ context.Context, n int, dest string) error {
		var src string
		switch n {
		case 1:
			src = fx.v1
		case 2:
			if err := os.WriteFile(dest, []byte("truncated"), 0o644); err != nil {
				return err
			}
		default:
			src = fx.v2
		}
		if src != "" {
			if err := copyFile(src, dest); err != nil {
				return err
			}
		}
		return os.WriteFile(acquire.StagedArchive(dest), []byte{byte('0' + n)}, 0o644)
	})
	ctx := context.Background()

	type testcase struct {
		name          string
		expectDecode  bool
		expectArchive string
	}
	testcases := []testcase{
		{name: "first dataset", expectArchive: "1"},
		{name: "rejected dataset", expectDecode: true, expectArchive: "1"},
		{name: "replacement dataset", expectArchive: "3"},
	}
	for _, tc := range testcases {
		err := fx.refresher.Refresh(ctx)
		if tc.expectDecode != geodb.IsDecodeError(err) {
			t.Fatal(tc.name, "unexpected error", err)
		}
		body, err := os.ReadFile(fx.archive)
		if err != nil {
			t.Fatal(tc.name, err)
		}
		if diff := cmp.Diff(tc.expectArchive, string(body)); diff != "" {
			t.Fatal(tc.name, diff)
		}
		if _, err := os.Stat(acquire.StagedArchive(fx.refresher.StagedPath())); !errors.Is(err, os.ErrNotExist) {
			t.Fatal(tc.name, "staged archive left behind")
		}
	}
	if got := fx.country(t); got != "Testlandia" {
		t.Fatal("unexpected active dataset", got)
	}
}

func TestRefreshUnchangedContent(t *testing.T) {
	fx := newFixture(t, true, nil)
	fx.fetcher.step = copyFrom(fx.v1)
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := fx.refresher.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := fx.refresher.Status()
	if st.LastOutcome != OutcomeUnchanged || st.Generation != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if fx.reg.Retiring() != 0 {
		t.Fatal("unchanged refresh must not retire the active handle")
	}
}

func TestRefreshBusyIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	fx := newFixture(t, false, nil)
	fx.fetcher.step = func(ctx context.Context, n int, dest string) error {
		close(entered)
		<-unblock
		return copyFile(fx.v1, dest)
	}

	done := make(chan error, 1)
	go func() { done <- fx.refresher.Refresh(context.Background()) }()
	<-entered
	if fx.refresher.State() != Fetching {
		t.Fatal("expected fetching, got", fx.refresher.State())
	}
	if err := fx.refresher.Refresh(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatal("expected ErrBusy, got", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if fx.fetcher.Calls() != 1 {
		t.Fatal("overlapping refresh reached the fetcher")
	}
	if fx.refresher.State() != Idle {
		t.Fatal("state not reset", fx.refresher.State())
	}
}

func TestRefreshSkipsWhenStagingLocked(t *testing.T) {
	fx := newFixture(t, true, nil)
	fx.fetcher.step = copyFrom(fx.v2)
	other := flock.New(fx.refresher.lock.Path())
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatal("could not take staging lock", err)
	}
	defer other.Unlock()
	if err := fx.refresher.Refresh(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatal("expected ErrBusy, got", err)
	}
	if fx.fetcher.Calls() != 0 {
		t.Fatal("fetcher called while staging was locked")
	}
}

func TestNextDelay(t *testing.T) {
	fx := newFixture(t, true, unreachable)
	r := fx.refresher
	if r.NextDelay() != time.Hour {
		t.Fatal("initial delay", r.NextDelay())
	}
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		_ = r.Refresh(context.Background())
		d := r.NextDelay()
		if d > time.Hour {
			t.Fatal("backoff exceeded the interval", d)
		}
		if i < 5 && d < prev {
			t.Fatal("backoff shrank", prev, d)
		}
		prev = d
	}
	if first := fx.recorder.outcomes()[0]; first != OutcomeNetwork {
		t.Fatal(first)
	}
	if prev < time.Hour*9/10 {
		t.Fatal("backoff did not reach the cap", prev)
	}

	fx.fetcher.step = copyFrom(fx.v2)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.NextDelay() != time.Hour {
		t.Fatal("success must restore the full interval", r.NextDelay())
	}

	fx.fetcher.step = func(context.Context, int, string) error {
		return &acquire.Error{Kind: acquire.KindAuth, Op: "download", Err: errors.New("401")}
	}
	_ = r.Refresh(context.Background())
	if r.NextDelay() != time.Hour {
		t.Fatal("auth failure must wait a full interval", r.NextDelay())
	}
	if st := r.Status(); st.LastOutcome != OutcomeAuth {
		t.Fatal(st.LastOutcome)
	}
}

func TestFetchTimeoutIsBounded(t *testing.T) {
	fx := newFixture(t, false, func(ctx context.Context, _ int, _ string) error {
		<-ctx.Done()
		return &acquire.Error{Kind: acquire.KindTimeout, Op: "download", Err: ctx.Err()}
	})
	fx.refresher.cfg.FetchTimeout = 20 * time.Millisecond
	err := fx.refresher.Refresh(context.Background())
	if kind, _ := acquire.KindOf(err); kind != acquire.KindTimeout {
		t.Fatal("expected timeout, got", err)
	}
	if st := fx.refresher.Status(); st.LastOutcome != OutcomeTimeout {
		t.Fatal(st.LastOutcome)
	}
}

func TestBootstrap(t *testing.T) {
	type testcase struct {
		name       string
		local      []byte
		step       func(fx *fixture) func(context.Context, int, string) error
		expectErr  bool
		expectCall int
	}
	testcases := []testcase{{
		name: "fetch when missing",
		step: func(fx *fixture) func(context.Context, int, string) error {
			return copyFrom(fx.v1)
		},
		expectCall: 1,
	}, {
		name: "retry transient failures",
		step: func(fx *fixture) func(context.Context, int, string) error {
			return func(ctx context.Context, n int, dest string) error {
				if n < 3 {
					return unreachable(ctx, n, dest)
				}
				return copyFile(fx.v1, dest)
			}
		},
		expectCall: 3,
	}, {
		name: "replace corrupt local file",
		local: []byte("corrupt"),
		step: func(fx *fixture) func(context.Context, int, string) error {
			return copyFrom(fx.v1)
		},
		expectCall: 1,
	}, {
		name: "retries exhausted",
		step: func(*fixture) func(context.Context, int, string) error {
			return unreachable
		},
		expectErr:  true,
		expectCall: 3,
	}, {
		name: "auth is permanent",
		step: func(*fixture) func(context.Context, int, string) error {
			return func(context.Context, int, string) error {
				return &acquire.Error{Kind: acquire.KindAuth, Op: "credential", Err: errors.New("no key")}
			}
		},
		expectErr:  true,
		expectCall: 1,
	}}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, false, nil)
			fx.fetcher.step = tc.step(fx)
			if tc.local != nil {
				if err := os.MkdirAll(filepath.Dir(fx.active), 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(fx.active, tc.local, 0o644); err != nil {
					t.Fatal(err)
				}
			}
			err := fx.refresher.Bootstrap(context.Background())
			if fx.fetcher.Calls() != tc.expectCall {
				t.Fatal("fetch calls", fx.fetcher.Calls())
			}
			if tc.expectErr {
				if !errors.Is(err, ErrNoDataset) {
					t.Fatal("expected ErrNoDataset, got", err)
				}
				if _, ok := fx.reg.Current(); ok {
					t.Fatal("failed bootstrap published a dataset")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := fx.country(t); got != "Testland" {
				t.Fatal(got)
			}
		})
	}
}

func TestRunRefreshesStaleDataset(t *testing.T) {
	fx := newFixture(t, true, nil)
	fx.fetcher.step = copyFrom(fx.v2)
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(fx.active, stale, stale); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.refresher.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for fx.reg.Generation() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("stale dataset was not refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := fx.country(t); got != "Testlandia" {
		t.Fatal(got)
	}
	if st := fx.refresher.Status(); st.NextRun.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatal("next run not scheduled a full interval ahead", st.NextRun)
	}
}

func TestInitialDelayFollowsFileAge(t *testing.T) {
	fx := newFixture(t, true, nil)
	if d := fx.refresher.initialDelay(); d != 0 {
		t.Fatal("no published dataset must refresh immediately", d)
	}
	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	age := time.Now().Add(-30 * time.Minute)
	if err := os.Chtimes(fx.active, age, age); err != nil {
		t.Fatal(err)
	}
	d := fx.refresher.initialDelay()
	if d < 29*time.Minute || d > 31*time.Minute {
		t.Fatal("unexpected first delay", d)
	}
}

func TestBootstrapLogsLocalPublishError(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.L()
	logger.Set(logger.New(&buf, logger.ParseLevel("debug"), "text"))
	t.Cleanup(func() { logger.Set(prev) })

	fx := newFixture(t, true, nil)
	fx.fetcher.step = copyFrom(fx.v1)
	stale, err := geodb.Build(fx.active, geodb.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_ = stale.Close()
	fx.refresher.cfg.Build = func(path string) (*geodb.Handle, error) {
		if path == fx.active {
			return stale, nil
		}
		return geodb.Build(path, geodb.BuildOptions{})
	}

	if err := fx.refresher.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.fetcher.Calls() != 1 {
		t.Fatal("expected a forced fetch, calls", fx.fetcher.Calls())
	}
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "bootstrap_local_invalid") {
			line = l
		}
	}
	if !strings.Contains(line, geodb.ErrClosed.Error()) {
		t.Fatalf("publish error not logged: %q", line)
	}
}
