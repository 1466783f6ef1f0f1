// 包 config：集中读取 .env、环境变量与命令行参数；命令行优先于环境变量
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

const (
	SourceMaxMind = "maxmind"
	SourceFile    = "file"
)

// Postgres：审计与统计库连接参数；Enabled 为 false 时不建立连接
type Postgres struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	SSLMode  string
	MaxOpen  int
	MaxIdle  int
}

// DSN：拼接 postgres:// 连接串
func (p Postgres) DSN() string {
	dsn := "postgres://" + p.User
	if p.Password != "" {
		dsn += ":" + p.Password
	}
	return dsn + "@" + p.Host + ":" + p.Port + "/" + p.DB + "?sslmode=" + p.SSLMode
}

// Redis：响应缓存连接参数
type Redis struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

func (r Redis) Addr() string { return r.Host + ":" + r.Port }

// 文档注释：服务配置
// 背景：数据集生命周期（路径、格式、来源、凭证、周期）与外围（监听、限流、缓存、审计库）在同一结构中，main 与 CLI 共用。
type Config struct {
	Addr    string
	APIBase string

	DBPath       string
	Format       string
	XDBIPVersion int
	Source       string
	SourcePath   string

	LicenseKey  string
	AccountID   string
	Edition     string
	DownloadURL string

	Interval       time.Duration
	FetchTimeout   time.Duration
	BackoffInitial time.Duration
	StartupRetries int
	RequireDataset bool

	Lang       string
	AdminToken string

	RateLimitEnabled bool
	RateLimitQPS     int

	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	LogLevel  string
	LogFormat string

	Redis Redis
	PG    Postgres
}

// LoadEnvFiles：加载工作目录与 data/env 下的 .env；文件不存在时忽略
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
}

// env：带解析错误收集的环境变量读取器
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) num(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// FromEnv：从环境变量读取配置，缺省值见各字段
func FromEnv() (Config, error) {
	e := &env{}
	c := Config{
		Addr:           e.str("ADDR", ":8080"),
		APIBase:        e.str("API_BASE", "/api"),
		DBPath:         e.str("GEOIP_DB_PATH", filepath.Join("data", "geoip", "GeoLite2-City.mmdb")),
		Format:         strings.ToLower(e.str("GEOIP_FORMAT", "mmdb")),
		XDBIPVersion:   e.num("GEOIP_XDB_IP_VERSION", 4),
		Source:         strings.ToLower(e.str("GEOIP_SOURCE", SourceMaxMind)),
		SourcePath:     e.str("GEOIP_SOURCE_PATH", ""),
		LicenseKey:     e.str("MAXMIND_LICENSE_KEY", ""),
		AccountID:      e.str("MAXMIND_ACCOUNT_ID", ""),
		Edition:        e.str("MAXMIND_EDITION", "GeoLite2-City"),
		DownloadURL:    e.str("MAXMIND_DOWNLOAD_URL", ""),
		Interval:       e.duration("REFRESH_INTERVAL", 24*time.Hour),
		FetchTimeout:   e.duration("FETCH_TIMEOUT", 5*time.Minute),
		BackoffInitial: e.duration("REFRESH_BACKOFF_INITIAL", 5*time.Minute),
		StartupRetries: e.num("STARTUP_RETRIES", 3),
		RequireDataset: e.boolean("REQUIRE_DATASET", true),
		Lang:           e.str("GEOIP_LANG", "en"),
		AdminToken:     e.str("ADMIN_TOKEN", ""),

		RateLimitEnabled: e.boolean("RATE_LIMIT_ENABLED", false),
		RateLimitQPS:     e.num("RATE_LIMIT_QPS", 200),

		TLSEnabled: e.boolean("TLS_ENABLE", false),
		TLSCert:    e.str("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt")),
		TLSKey:     e.str("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key")),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "text"),

		Redis: Redis{
			Enabled:  e.boolean("REDIS_ENABLED", false),
			Host:     e.str("REDIS_HOST", "127.0.0.1"),
			Port:     e.str("REDIS_PORT", "6379"),
			Password: e.str("REDIS_PASS", ""),
			DB:       e.num("REDIS_DB", 0),
		},
		PG: Postgres{
			Enabled:  e.boolean("PG_ENABLED", false),
			Host:     e.str("PG_HOST", "localhost"),
			Port:     e.str("PG_PORT", "5432"),
			User:     e.str("PG_USER", "postgres"),
			Password: e.str("PG_PASSWORD", ""),
			DB:       e.str("PG_DB", "geoip"),
			SSLMode:  e.str("PG_SSLMODE", "disable"),
			MaxOpen:  e.num("PG_MAX_OPEN_CONNS", 10),
			MaxIdle:  e.num("PG_MAX_IDLE_CONNS", 5),
		},
	}
	return c, errors.Join(e.errs...)
}

// BindFlags：将可覆盖项注册到 fs，当前值作为缺省值
// 约束：凭证只从环境读取，不提供命令行参数，避免出现在进程列表中
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Listen address")
	fs.StringVar(&c.APIBase, "api-base", c.APIBase, "Path prefix for the API routes")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "Path of the active dataset file")
	fs.StringVar(&c.Format, "format", c.Format, "Dataset format: mmdb or xdb")
	fs.IntVar(&c.XDBIPVersion, "xdb-ip-version", c.XDBIPVersion, "Address family of an xdb dataset: 4 or 6")
	fs.StringVar(&c.Source, "source", c.Source, "Dataset source: maxmind or file")
	fs.StringVar(&c.SourcePath, "source-path", c.SourcePath, "Local file copied by the file source")
	fs.StringVar(&c.Edition, "edition", c.Edition, "MaxMind edition id")
	fs.StringVar(&c.DownloadURL, "download-url", c.DownloadURL, "MaxMind download endpoint")
	fs.DurationVar(&c.Interval, "refresh-interval", c.Interval, "Interval between scheduled refreshes")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", c.FetchTimeout, "Upper bound for a single acquisition")
	fs.DurationVar(&c.BackoffInitial, "backoff-initial", c.BackoffInitial, "First retry delay after a failed refresh")
	fs.IntVar(&c.StartupRetries, "startup-retries", c.StartupRetries, "Retries of the startup fetch")
	fs.BoolVar(&c.RequireDataset, "require-dataset", c.RequireDataset, "Exit when no dataset can be loaded at startup")
	fs.StringVar(&c.Lang, "lang", c.Lang, "Default language of place names")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}

// Validate：检查取值范围与组合约束
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("dataset path is empty"))
	}
	switch c.Format {
	case "mmdb", "xdb":
	default:
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	if c.Format == "xdb" && c.XDBIPVersion != 4 && c.XDBIPVersion != 6 {
		errs = append(errs, fmt.Errorf("xdb ip version must be 4 or 6, got %d", c.XDBIPVersion))
	}
	switch c.Source {
	case SourceMaxMind:
		if c.Format != "mmdb" {
			errs = append(errs, errors.New("the maxmind source only delivers mmdb datasets"))
		}
	case SourceFile:
		if c.SourcePath == "" {
			errs = append(errs, errors.New("file source requires GEOIP_SOURCE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("refresh interval must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, errors.New("backoff initial delay must be positive"))
	}
	if c.StartupRetries < 0 {
		errs = append(errs, errors.New("startup retries must not be negative"))
	}
	if c.RateLimitQPS <= 0 {
		errs = append(errs, errors.New("rate limit qps must be positive"))
	}
	if !strings.HasPrefix(c.APIBase, "/") {
		errs = append(errs, fmt.Errorf("api base %q must start with /", c.APIBase))
	}
	return errors.Join(errs...)
}

// ArchivePath：保留已校验归档的路径（与数据集同目录）
func (c Config) ArchivePath() string {
	if c.Source != SourceMaxMind {
		return ""
	}
	return filepath.Join(filepath.Dir(c.DBPath), c.Edition+".tar.gz")
}

// 文档注释：加载完整配置
// 背景：.env → 环境变量 → 命令行，后者覆盖前者；解析或校验失败返回聚合错误。
// 返回：flag.ErrHelp 表示用户请求了帮助。
func Load(name string, args []string) (Config, error) {
	c, _, err := LoadArgs(name, args)
	return c, err
}

// LoadArgs：同 Load，另返回选项之后的位置参数
func LoadArgs(name string, args []string) (Config, []string, error) {
	LoadEnvFiles()
	c, err := FromEnv()
	if err != nil {
		return c, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, nil, err
	}
	c.APIBase = "/" + strings.Trim(c.APIBase, "/")
	return c, fs.Args(), c.Validate()
}
