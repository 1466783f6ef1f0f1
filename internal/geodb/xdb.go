package geodb

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/lionsoul2014/ip2region/binding/golang/xdb"
)

// xdb 文件最小长度：256 字节头部 + 256*256*8 字节向量索引
const xdbMinSize = 256 + 256*256*8

// 文档注释：ip2region xdb 解码器
// 背景：整个文件读入内存后以 buffer 模式查询，该模式下 Searcher 并发安全且读路径无磁盘 I/O。
// 约束：单个 xdb 文件只覆盖一个地址族，另一族的地址视为未命中；区域串格式为 国家|区域|省份|城市|ISP。
type xdbSource struct {
	s    *xdb.Searcher
	v6   bool
	meta Meta
}

func openXDB(path string, ipVersion int) (src *xdbSource, err error) {
	// 解码库对畸形数据可能越界 panic，统一转为构建错误
	defer func() {
		if r := recover(); r != nil {
			src = nil
			err = fmt.Errorf("xdb decoder panic: %v", r)
		}
	}()
	header, err := xdb.LoadHeaderFromFile(path)
	if err != nil {
		return nil, err
	}
	buf, err := xdb.LoadContentFromFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < xdbMinSize {
		return nil, fmt.Errorf("truncated xdb: %d bytes", len(buf))
	}
	ver, probe := xdb.IPv4, "1.1.1.1"
	if ipVersion == 6 {
		ver, probe = xdb.IPv6, "2001:4860:4860::8888"
	}
	s, err := xdb.NewWithBuffer(ver, buf)
	if err != nil {
		return nil, err
	}
	if _, err := s.SearchByStr(probe); err != nil {
		s.Close()
		return nil, fmt.Errorf("xdb probe search: %w", err)
	}
	dbType := "ip2region-v4"
	if ipVersion == 6 {
		dbType = "ip2region-v6"
	}
	return &xdbSource{
		s:  s,
		v6: ipVersion == 6,
		meta: Meta{
			Format:       FormatXDB,
			DatabaseType: dbType,
			BuildTime:    time.Unix(int64(header.CreatedAt), 0).UTC(),
			IPVersion:    ipVersion,
		},
	}, nil
}

func (s *xdbSource) Meta() Meta { return s.meta }

func (s *xdbSource) Close() error {
	s.s.Close()
	return nil
}

func (s *xdbSource) Lookup(addr netip.Addr, lang string) (Record, error) {
	if addr.Is4() == s.v6 {
		return Record{}, ErrNotFound
	}
	region, err := s.s.SearchByStr(addr.String())
	if err != nil {
		return Record{}, err
	}
	rec, ok := parseRegion(region)
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.IP = addr.String()
	return rec, nil
}

// parseRegion：拆分区域串；所有字段为空时视为未命中
func parseRegion(s string) (Record, bool) {
	parts := strings.Split(s, "|")
	field := func(i int) string {
		if i >= len(parts) {
			return ""
		}
		return safe(parts[i])
	}
	var rec Record
	if c := field(0); c != "" {
		rec.Country = &Country{Name: c}
	}
	for _, i := range []int{1, 2} {
		if v := field(i); v != "" {
			rec.Subdivisions = append(rec.Subdivisions, Subdivision{Name: v})
		}
	}
	if c := field(3); c != "" {
		rec.City = &City{Name: c}
	}
	rec.ISP = field(4)
	if rec.Country == nil && rec.Subdivisions == nil && rec.City == nil && rec.ISP == "" {
		return Record{}, false
	}
	return rec, true
}

func safe(s string) string {
	s = strings.TrimSpace(s)
	if s == "0" || strings.EqualFold(s, "unknown") {
		return ""
	}
	return s
}

var errBadIPVersion = errors.New("xdb ip version must be 4 or 6")
