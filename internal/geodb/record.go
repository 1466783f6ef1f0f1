package geodb

import "time"

// 文档注释：单次查询结果（对外序列化模型）
// 背景：字段对齐 GeoIP2 City/ASN 数据结构，空对象在 JSON 中省略；Dataset 记录回答该查询的数据集版本。
// 约束：值语义，构建后不再修改。
type Record struct {
	IP                string        `json:"ip"`
	Network           string        `json:"network,omitempty"`
	Continent         *Continent    `json:"continent,omitempty"`
	Country           *Country      `json:"country,omitempty"`
	RegisteredCountry *Country      `json:"registered_country,omitempty"`
	Subdivisions      []Subdivision `json:"subdivisions,omitempty"`
	City              *City         `json:"city,omitempty"`
	Postal            *Postal       `json:"postal,omitempty"`
	Location          *Location     `json:"location,omitempty"`
	Traits            *Traits       `json:"traits,omitempty"`
	ASN               *ASN          `json:"asn,omitempty"`
	ISP               string        `json:"isp,omitempty"`
	Dataset           Provenance    `json:"dataset"`
}

type Continent struct {
	Code      string `json:"code,omitempty"`
	GeonameID uint   `json:"geoname_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Country struct {
	ISOCode           string `json:"iso_code,omitempty"`
	GeonameID         uint   `json:"geoname_id,omitempty"`
	Name              string `json:"name,omitempty"`
	IsInEuropeanUnion bool   `json:"is_in_european_union,omitempty"`
}

type Subdivision struct {
	ISOCode   string `json:"iso_code,omitempty"`
	GeonameID uint   `json:"geoname_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type City struct {
	GeonameID uint   `json:"geoname_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Postal struct {
	Code string `json:"code,omitempty"`
}

type Location struct {
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	AccuracyRadius uint16  `json:"accuracy_radius,omitempty"`
	TimeZone       string  `json:"time_zone,omitempty"`
}

type Traits struct {
	IsAnonymousProxy    bool `json:"is_anonymous_proxy,omitempty"`
	IsAnycast           bool `json:"is_anycast,omitempty"`
	IsSatelliteProvider bool `json:"is_satellite_provider,omitempty"`
}

type ASN struct {
	Number       uint   `json:"number,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Provenance：回答查询的数据集标识
type Provenance struct {
	DatabaseType string    `json:"database_type,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	BuildTime    time.Time `json:"build_time"`
	Generation   uint64    `json:"generation"`
}

// pickName：按语言取名称，缺失时回退到英文
func pickName(names map[string]string, lang string) string {
	if len(names) == 0 {
		return ""
	}
	if lang != "" {
		if v, ok := names[lang]; ok && v != "" {
			return v
		}
	}
	return names[DefaultLang]
}

// DefaultLang：名称回退语言
const DefaultLang = "en"
