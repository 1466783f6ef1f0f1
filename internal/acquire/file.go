package acquire

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"geoip-api/internal/logger"
)

// 文档注释：本地文件获取器
// 背景：用于离线镜像、ip2region xdb 文件与测试；源文件旁存在 <src>.sha256 时按其校验内容。
// 约束：源文件不存在或不可读视为上游不可达（network）；凭证被忽略。
type File struct {
	Src string
}

func (f *File) Fetch(ctx context.Context, _ Credential, dest string) (string, error) {
	var want string
	if b, err := os.ReadFile(f.Src + ".sha256"); err == nil {
		sum, ok := parseChecksum(b)
		if !ok {
			return "", integrity("checksum", "malformed checksum file %s.sha256", f.Src)
		}
		want = sum
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", classify("checksum", err)
	}
	src, err := os.Open(f.Src)
	if err != nil {
		return "", classify("open", err)
	}
	defer src.Close()
	got, err := writeAtomic(ctx, dest, src)
	if err != nil {
		return "", classify("stage", err)
	}
	if want != "" && got != want {
		_ = os.Remove(dest)
		return "", integrity("verify", "sha256 mismatch: want %s got %s", want, got)
	}
	logger.L().Debug("file_fetch_ok", "src", f.Src, "dest", dest, "sha256", got)
	return dest, nil
}
