package geodb

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// 文档注释：MaxMind DB 解码器
// 背景：maxminddb.Open 在类 Unix 系统上使用 mmap，读路径不产生磁盘 I/O；Close 解除映射，因此必须等待所有查询释放句柄后再调用。
// 约束：打开时执行 Verify 完整校验搜索树与数据段，损坏文件在构建阶段即被拒绝。
type mmdbSource struct {
	r    *maxminddb.Reader
	meta Meta
}

func openMMDB(path string) (*mmdbSource, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	md := r.Metadata
	if md.BinaryFormatMajorVersion != 2 {
		_ = r.Close()
		return nil, fmt.Errorf("unsupported binary format version %d.%d", md.BinaryFormatMajorVersion, md.BinaryFormatMinorVersion)
	}
	if md.DatabaseType == "" {
		_ = r.Close()
		return nil, fmt.Errorf("missing database type")
	}
	if err := r.Verify(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return &mmdbSource{
		r: r,
		meta: Meta{
			Format:       FormatMMDB,
			DatabaseType: md.DatabaseType,
			BuildTime:    time.Unix(int64(md.BuildEpoch), 0).UTC(),
			IPVersion:    int(md.IPVersion),
			Description:  md.Description[DefaultLang],
		},
	}, nil
}

func (s *mmdbSource) Meta() Meta { return s.meta }

func (s *mmdbSource) Close() error { return s.r.Close() }

// 文档注释：按地址查询
// 背景：先用 LookupNetwork 判定命中并解码 City 结构，再按同一数据偏移解码 ASN 字段；二者对应 GeoIP2 City/ASN/ISP 等库的公共字段。
// 返回：未命中返回 ErrNotFound；IPv4-only 库查询 IPv6 地址同样视为未命中。
func (s *mmdbSource) Lookup(addr netip.Addr, lang string) (Record, error) {
	if addr.Is6() && s.meta.IPVersion == 4 {
		return Record{}, ErrNotFound
	}
	ip := net.IP(addr.AsSlice())
	var city geoip2.City
	network, ok, err := s.r.LookupNetwork(ip, &city)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	var asn geoip2.ASN
	if off, err := s.r.LookupOffset(ip); err == nil && off != maxminddb.NotFound {
		if err := s.r.Decode(off, &asn); err != nil {
			return Record{}, err
		}
	}
	rec := cityRecord(&city, lang)
	rec.IP = addr.String()
	if network != nil {
		rec.Network = network.String()
	}
	if asn.AutonomousSystemNumber != 0 || asn.AutonomousSystemOrganization != "" {
		rec.ASN = &ASN{Number: asn.AutonomousSystemNumber, Organization: asn.AutonomousSystemOrganization}
	}
	return rec, nil
}

// cityRecord：将 geoip2.City 映射为对外结构，空对象置 nil
func cityRecord(c *geoip2.City, lang string) Record {
	var rec Record
	if ct := (Continent{Code: c.Continent.Code, GeonameID: c.Continent.GeoNameID, Name: pickName(c.Continent.Names, lang)}); ct != (Continent{}) {
		rec.Continent = &ct
	}
	if co := (Country{
		ISOCode:           c.Country.IsoCode,
		GeonameID:         c.Country.GeoNameID,
		Name:              pickName(c.Country.Names, lang),
		IsInEuropeanUnion: c.Country.IsInEuropeanUnion,
	}); co != (Country{}) {
		rec.Country = &co
	}
	if rc := (Country{
		ISOCode:           c.RegisteredCountry.IsoCode,
		GeonameID:         c.RegisteredCountry.GeoNameID,
		Name:              pickName(c.RegisteredCountry.Names, lang),
		IsInEuropeanUnion: c.RegisteredCountry.IsInEuropeanUnion,
	}); rc != (Country{}) {
		rec.RegisteredCountry = &rc
	}
	for _, sd := range c.Subdivisions {
		rec.Subdivisions = append(rec.Subdivisions, Subdivision{
			ISOCode:   sd.IsoCode,
			GeonameID: sd.GeoNameID,
			Name:      pickName(sd.Names, lang),
		})
	}
	if ci := (City{GeonameID: c.City.GeoNameID, Name: pickName(c.City.Names, lang)}); ci != (City{}) {
		rec.City = &ci
	}
	if c.Postal.Code != "" {
		rec.Postal = &Postal{Code: c.Postal.Code}
	}
	if lo := (Location{
		Latitude:       c.Location.Latitude,
		Longitude:      c.Location.Longitude,
		AccuracyRadius: c.Location.AccuracyRadius,
		TimeZone:       c.Location.TimeZone,
	}); lo != (Location{}) {
		rec.Location = &lo
	}
	if tr := (Traits{
		IsAnonymousProxy:    c.Traits.IsAnonymousProxy,
		IsAnycast:           c.Traits.IsAnycast,
		IsSatelliteProvider: c.Traits.IsSatelliteProvider,
	}); tr != (Traits{}) {
		rec.Traits = &tr
	}
	return rec
}
