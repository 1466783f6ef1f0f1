package geodb

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// FileChecksum：计算文件内容的 sha256 十六进制摘要，作为数据集内容版本
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
