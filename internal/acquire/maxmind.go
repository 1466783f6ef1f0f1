package acquire

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"geoip-api/internal/logger"
	"geoip-api/internal/metrics"
)

const (
	DefaultDownloadURL = "https://download.maxmind.com/app/geoip_download"
	DefaultEdition     = "GeoLite2-City"
)

// 文档注释：MaxMind 下载器
// 背景：先拉取发布方提供的 .sha256 摘要，再流式下载 tar.gz 并同步计算摘要；摘要一致后解出唯一的 .mmdb 成员写入 dest。
// 约束：KeepArchive 为真时已校验的归档留在 StagedArchive(dest)，由刷新器在发布成功后转正；401/403 归为鉴权失败，需要运维更换凭证。
type MaxMind struct {
	BaseURL     string
	Edition     string
	KeepArchive bool
	Client      *http.Client
}

// StagedArchive：与暂存数据集对应的暂存归档路径
func StagedArchive(dest string) string { return dest + ".tar.gz" }

// NewMaxMind：构建下载器；baseURL/edition 为空时使用默认值
func NewMaxMind(baseURL, edition string, keepArchive bool, timeout time.Duration) *MaxMind {
	if baseURL == "" {
		baseURL = DefaultDownloadURL
	}
	if edition == "" {
		edition = DefaultEdition
	}
	return &MaxMind{
		BaseURL:     baseURL,
		Edition:     edition,
		KeepArchive: keepArchive,
		Client:      &http.Client{Timeout: timeout},
	}
}

func (m *MaxMind) url(cred Credential, suffix string) string {
	q := url.Values{}
	q.Set("edition_id", m.Edition)
	q.Set("suffix", suffix)
	if cred.AccountID == "" {
		q.Set("license_key", cred.LicenseKey)
	}
	return m.BaseURL + "?" + q.Encode()
}

func (m *MaxMind) get(ctx context.Context, cred Credential, suffix string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url(cred, suffix), nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: "request", Err: err}
	}
	if cred.AccountID != "" {
		req.SetBasicAuth(cred.AccountID, cred.LicenseKey)
	}
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classify("download", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &Error{Kind: KindAuth, Op: "download", Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	default:
		resp.Body.Close()
		return nil, &Error{Kind: KindNetwork, Op: "download", Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
}

// Fetch：实现 Fetcher
func (m *MaxMind) Fetch(ctx context.Context, cred Credential, dest string) (string, error) {
	if cred.LicenseKey == "" {
		return "", &Error{Kind: KindAuth, Op: "credential", Err: errors.New("license key not configured")}
	}
	t0 := time.Now()
	defer func() { metrics.FetchDurationMs.Observe(float64(time.Since(t0).Milliseconds())) }()
	l := logger.L()

	resp, err := m.get(ctx, cred, "tar.gz.sha256")
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if err != nil {
		return "", classify("checksum", err)
	}
	want, ok := parseChecksum(body)
	if !ok {
		return "", integrity("checksum", "malformed checksum file %q", strings.TrimSpace(string(body)))
	}
	l.Debug("maxmind_checksum_ok", "edition", m.Edition, "sha256", want)

	resp, err = m.get(ctx, cred, "tar.gz")
	if err != nil {
		return "", err
	}
	archive := StagedArchive(dest)
	got, err := writeAtomic(ctx, archive, resp.Body)
	resp.Body.Close()
	if err != nil {
		_ = os.Remove(archive)
		return "", classify("download", err)
	}
	if got != want {
		_ = os.Remove(archive)
		return "", integrity("verify", "sha256 mismatch: want %s got %s", want, got)
	}
	l.Debug("maxmind_archive_ok", "edition", m.Edition, "path", archive)

	if err := extractMMDB(ctx, archive, dest); err != nil {
		_ = os.Remove(archive)
		return "", err
	}
	if !m.KeepArchive {
		_ = os.Remove(archive)
	}
	l.Info("maxmind_fetch_ok", "edition", m.Edition, "dest", dest, "duration_ms", time.Since(t0).Milliseconds())
	return dest, nil
}

// extractMMDB：从已校验的归档中解出首个 .mmdb 常规文件
func extractMMDB(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return &Error{Kind: KindIntegrity, Op: "extract", Err: err}
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return &Error{Kind: KindIntegrity, Op: "extract", Err: err}
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return integrity("extract", "no .mmdb member in %s", path.Base(archive))
		}
		if err != nil {
			return &Error{Kind: KindIntegrity, Op: "extract", Err: err}
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".mmdb") {
			continue
		}
		if _, err := writeAtomic(ctx, dest, tr); err != nil {
			if ctx.Err() != nil {
				return classify("extract", err)
			}
			return &Error{Kind: KindIntegrity, Op: "extract", Err: err}
		}
		return nil
	}
}
