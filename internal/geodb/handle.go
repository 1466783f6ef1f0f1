package geodb

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"geoip-api/internal/logger"
)

// Identity：数据集句柄标识（内容摘要 + 构建时间），Generation 在发布时分配
type Identity struct {
	Format       string    `json:"format"`
	DatabaseType string    `json:"database_type"`
	Checksum     string    `json:"checksum"`
	BuildTime    time.Time `json:"build_time"`
	LoadedAt     time.Time `json:"loaded_at"`
	Path         string    `json:"path"`
	Generation   uint64    `json:"generation"`
}

// BuildOptions：构建参数；Format 为空时按 mmdb 处理
type BuildOptions struct {
	Format       string
	XDBIPVersion int
}

// 文档注释：数据集句柄
// 背景：一份数据快照的只读查询视图。注册表与进行中的查询共同持有，引用计数归零且已退役时销毁底层解码器。
// 约束：构建完成后不可变；refs/retired/closed 只通过原子操作修改，销毁至多发生一次。
type Handle struct {
	src Source
	id  Identity
	gen atomic.Uint64

	refs      atomic.Int64
	retired   atomic.Bool
	closed    atomic.Bool
	published atomic.Bool
	reg       *Registry
}

// NewHandle：以已打开的解码器构建句柄
func NewHandle(src Source, id Identity) *Handle {
	m := src.Meta()
	if id.Format == "" {
		id.Format = m.Format
	}
	if id.DatabaseType == "" {
		id.DatabaseType = m.DatabaseType
	}
	if id.BuildTime.IsZero() {
		id.BuildTime = m.BuildTime
	}
	if id.LoadedAt.IsZero() {
		id.LoadedAt = time.Now()
	}
	return &Handle{src: src, id: id}
}

// 文档注释：从暂存文件构建句柄
// 背景：在返回前完整解析文件；任何失败都包装为 DecodeError，调用方据此丢弃候选文件。
func Build(path string, opts BuildOptions) (*Handle, error) {
	format := opts.Format
	if format == "" {
		format = FormatMMDB
	}
	t0 := time.Now()
	sum, err := FileChecksum(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Format: format, Err: err}
	}
	var src Source
	switch format {
	case FormatMMDB:
		s, err := openMMDB(path)
		if err != nil {
			return nil, &DecodeError{Path: path, Format: format, Err: err}
		}
		src = s
	case FormatXDB:
		v := opts.XDBIPVersion
		if v == 0 {
			v = 4
		}
		if v != 4 && v != 6 {
			return nil, &DecodeError{Path: path, Format: format, Err: errBadIPVersion}
		}
		s, err := openXDB(path, v)
		if err != nil {
			return nil, &DecodeError{Path: path, Format: format, Err: err}
		}
		src = s
	default:
		return nil, &DecodeError{Path: path, Format: format, Err: fmt.Errorf("%w: %q", ErrUnknownFormat, format)}
	}
	h := NewHandle(src, Identity{Checksum: sum, Path: path})
	logger.L().Info("dataset_build_ok",
		"path", path,
		"type", h.id.DatabaseType,
		"checksum", sum,
		"build_time", h.id.BuildTime,
		"duration_ms", time.Since(t0).Milliseconds(),
	)
	return h, nil
}

// Identity：返回句柄标识（含发布代数）
func (h *Handle) Identity() Identity {
	id := h.id
	id.Generation = h.gen.Load()
	return id
}

// 文档注释：查询（纯读）
// 约束：调用方需持有租约（Lease）或确保句柄未被关闭；返回结果附带数据集来源信息。
func (h *Handle) Lookup(addr netip.Addr, lang string) (Record, error) {
	if h.closed.Load() {
		return Record{}, ErrClosed
	}
	rec, err := h.src.Lookup(addr, lang)
	if err != nil {
		return Record{}, err
	}
	rec.Dataset = Provenance{
		DatabaseType: h.id.DatabaseType,
		Checksum:     h.id.Checksum,
		BuildTime:    h.id.BuildTime,
		Generation:   h.gen.Load(),
	}
	return rec, nil
}

// Refs：当前进行中的引用数
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Retired：是否已退役（不再是当前发布句柄）
func (h *Handle) Retired() bool { return h.retired.Load() }

// Closed：底层解码器是否已销毁
func (h *Handle) Closed() bool { return h.closed.Load() }

// 文档注释：退役句柄
// 背景：标记退役后若无进行中引用立即销毁，否则由最后一个 release 完成销毁。未发布即被丢弃的候选句柄同样走此路径。
func (h *Handle) Close() error {
	h.retired.Store(true)
	if h.refs.Load() == 0 {
		return h.destroy()
	}
	return nil
}

func (h *Handle) retain() { h.refs.Add(1) }

func (h *Handle) release() {
	if h.refs.Add(-1) == 0 && h.retired.Load() {
		_ = h.destroy()
	}
}

func (h *Handle) destroy() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.src.Close()
	if h.reg != nil {
		h.reg.retiredDone()
	}
	if err != nil {
		logger.L().Error("dataset_close_error", "checksum", h.id.Checksum, "err", err)
	} else {
		logger.L().Info("dataset_closed", "checksum", h.id.Checksum, "generation", h.gen.Load())
	}
	return err
}
