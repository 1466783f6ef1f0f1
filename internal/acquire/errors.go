// 包 acquire：从上游拉取数据集文件，校验完整性后写入暂存路径
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind：获取失败的类别，刷新器据此决定日志级别与重试节奏
type Kind string

const (
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindTimeout   Kind = "timeout"
	KindIntegrity Kind = "integrity"
)

// Error：获取失败；Op 为失败的步骤（checksum/download/extract/stage 等）
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquire %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf：取出错误链中的获取失败类别
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// classify：将底层 I/O 错误归类；超时（含上下文截止）归为 timeout，其余归为 network
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func integrity(op string, format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}
