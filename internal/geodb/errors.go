package geodb

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound：地址格式合法但不在任何已知网段内；属于正常结果而非故障
	ErrNotFound = errors.New("geodb: address not found")
	// ErrNoDataset：注册表尚未发布任何数据集
	ErrNoDataset = errors.New("geodb: no dataset published")
	// ErrClosed：句柄已销毁；正确配对 Acquire/Release 时不应出现
	ErrClosed = errors.New("geodb: handle closed")

	ErrNilHandle        = errors.New("geodb: nil handle")
	ErrAlreadyPublished = errors.New("geodb: handle already published")
	ErrUnknownFormat    = errors.New("geodb: unknown dataset format")
)

// DecodeError：数据文件结构损坏、版本不支持或被截断
// 背景：构建阶段的任何失败都归为此类，候选文件被丢弃，当前发布的句柄保持不变。
type DecodeError struct {
	Path   string
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("geodb: decode %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError：判断错误链中是否包含 DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
