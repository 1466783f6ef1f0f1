package geodb

import (
	"net/netip"
	"time"
)

const (
	FormatMMDB = "mmdb"
	FormatXDB  = "xdb"
)

// Source：不透明二进制格式的解码器
// 约束：构建完成后只读，Lookup 可被任意数量的 goroutine 并发调用；Close 只会在没有进行中查询时调用一次。
type Source interface {
	Lookup(addr netip.Addr, lang string) (Record, error)
	Meta() Meta
	Close() error
}

// Meta：解码器从文件头读取的元信息
type Meta struct {
	Format       string
	DatabaseType string
	BuildTime    time.Time
	IPVersion    int
	Description  string
}
