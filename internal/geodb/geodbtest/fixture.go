// Package geodbtest 生成测试用的 MaxMind DB 文件
package geodbtest

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// Entry：单个网段对应的记录字段；空字段不写入
type Entry struct {
	Network     string
	Country     string
	CountryISO  string
	City        string
	Subdivision string
	Continent   string
	TimeZone    string
	Latitude    float64
	Longitude   float64
	ASN         uint32
	ASOrg       string
	Names       map[string]string // 附加的国家多语言名称
}

// Options：数据库元信息
type Options struct {
	DatabaseType string
	IPVersion    int
}

func (e Entry) value() mmdbtype.Map {
	m := mmdbtype.Map{}
	if e.Country != "" || e.CountryISO != "" {
		names := mmdbtype.Map{}
		if e.Country != "" {
			names["en"] = mmdbtype.String(e.Country)
		}
		for lang, n := range e.Names {
			names[mmdbtype.String(lang)] = mmdbtype.String(n)
		}
		country := mmdbtype.Map{"names": names}
		if e.CountryISO != "" {
			country["iso_code"] = mmdbtype.String(e.CountryISO)
		}
		m["country"] = country
	}
	if e.City != "" {
		m["city"] = mmdbtype.Map{"names": mmdbtype.Map{"en": mmdbtype.String(e.City)}}
	}
	if e.Subdivision != "" {
		m["subdivisions"] = mmdbtype.Slice{
			mmdbtype.Map{"names": mmdbtype.Map{"en": mmdbtype.String(e.Subdivision)}},
		}
	}
	if e.Continent != "" {
		m["continent"] = mmdbtype.Map{"code": mmdbtype.String(e.Continent)}
	}
	if e.TimeZone != "" || e.Latitude != 0 || e.Longitude != 0 {
		loc := mmdbtype.Map{
			"latitude":  mmdbtype.Float64(e.Latitude),
			"longitude": mmdbtype.Float64(e.Longitude),
		}
		if e.TimeZone != "" {
			loc["time_zone"] = mmdbtype.String(e.TimeZone)
		}
		m["location"] = loc
	}
	if e.ASN != 0 {
		m["autonomous_system_number"] = mmdbtype.Uint32(e.ASN)
	}
	if e.ASOrg != "" {
		m["autonomous_system_organization"] = mmdbtype.String(e.ASOrg)
	}
	return m
}

// Write：将 entries 写为 mmdb 文件
func Write(path string, opts Options, entries ...Entry) error {
	if opts.DatabaseType == "" {
		opts.DatabaseType = "GeoLite2-City"
	}
	if opts.IPVersion == 0 {
		opts.IPVersion = 6
	}
	w, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            opts.DatabaseType,
		Description:             map[string]string{"en": "geoip-api test fixture"},
		Languages:               []string{"en"},
		IPVersion:               opts.IPVersion,
		RecordSize:              24,
		IncludeReservedNetworks: true,
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, network, err := net.ParseCIDR(e.Network)
		if err != nil {
			return err
		}
		if err := w.Insert(network, e.value()); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MustWrite：测试辅助，失败时终止测试
func MustWrite(t testing.TB, path string, opts Options, entries ...Entry) string {
	t.Helper()
	if err := Write(path, opts, entries...); err != nil {
		t.Fatalf("write mmdb fixture %s: %v", path, err)
	}
	return path
}

// Testland：与 Testlandia 构成 v1/v2 数据集对照
func Testland() []Entry {
	return []Entry{
		{Network: "203.0.113.0/24", Country: "Testland", CountryISO: "TL", City: "Testville", Continent: "EU", TimeZone: "Europe/Testland", Latitude: 51.5, Longitude: -0.12, ASN: 64500, ASOrg: "Test Networks"},
		{Network: "2001:db8::/32", Country: "Testland", CountryISO: "TL", Names: map[string]string{"de": "Testlandchen"}},
	}
}

func Testlandia() []Entry {
	return []Entry{
		{Network: "203.0.113.0/24", Country: "Testlandia", CountryISO: "TA", City: "Testburg", Continent: "EU"},
		{Network: "2001:db8::/32", Country: "Testlandia", CountryISO: "TA"},
	}
}
