// 包 api：集中注册 HTTP 路由，主入口只负责挂载
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geoip-api/internal/geodb"
	"geoip-api/internal/logger"
	"geoip-api/internal/metrics"
	"geoip-api/internal/query"
	"geoip-api/internal/refresh"
	"geoip-api/internal/store"
)

// 文档注释：路由依赖
// 约束：Engine/Registry/Refresher 必填；Store、Cache 为 nil 时对应功能关闭。
type Deps struct {
	Engine      *query.Engine
	Registry    *geodb.Registry
	Refresher   *refresh.Refresher
	Store       *store.Store
	Cache       Cache
	AdminToken  string
	ArchivePath string
	Lang        string
}

const statsTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// 文档注释：构建 API 路由（相对路径）
// 背景：独立 ServeMux 便于在主入口挂载到 API_BASE 前缀；兼容路由由 Mount 另行注册。
func BuildRoutes(d *Deps) *http.ServeMux {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /ip", func(w http.ResponseWriter, r *http.Request) {
		d.lookup(w, r, r.URL.Query().Get("ip"))
	})
	apiMux.HandleFunc("GET /ip/{addr}", func(w http.ResponseWriter, r *http.Request) {
		d.lookup(w, r, r.PathValue("addr"))
	})
	apiMux.HandleFunc("GET /health", d.health)
	apiMux.HandleFunc("GET /database", d.database)
	apiMux.HandleFunc("POST /refresh", d.refresh)
	apiMux.HandleFunc("GET /stats", d.stats)
	return apiMux
}

// 文档注释：挂载全部路由
// 背景：API 挂在 base 之下；根路径保留旧版的 / 与 /{ip} 查询以及 /database 下载。
func Mount(mux *http.ServeMux, base string, d *Deps) {
	base = "/" + strings.Trim(base, "/")
	if base == "/" {
		base = ""
	}
	mux.Handle(base+"/", http.StripPrefix(base, BuildRoutes(d)))
	mux.Handle("GET "+base+"/metrics", metrics.Handler())
	if base == "" {
		return
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		d.lookup(w, r, "")
	})
	mux.HandleFunc("GET /{addr}", func(w http.ResponseWriter, r *http.Request) {
		d.lookup(w, r, r.PathValue("addr"))
	})
	mux.HandleFunc("GET /database", d.database)
}

// 文档注释：地址查询
// 背景：未指定地址时查询访问者自身；先按数据集摘要读缓存，未命中再查询引擎并回写。缓存命中同样计入查询结果与耗时指标。
// 约束：400 非法地址，404 不在任何网段，503 尚无数据集。
func (d *Deps) lookup(w http.ResponseWriter, r *http.Request, raw string) {
	ctx := r.Context()
	visitor := getClientIP(r)
	if raw == "" {
		raw = visitor
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = d.Lang
	}
	addr, err := query.ParseAddr(raw)
	if err != nil {
		metrics.LookupsTotal.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, errorResult{Detail: "Invalid IP address", IP: raw})
		return
	}
	ip := addr.String()

	t0 := time.Now()
	id, ok := d.Registry.Current()
	var key string
	if d.Cache != nil && ok {
		key = cacheKey(id.Checksum, lang, ip)
		if s, hit, err := d.Cache.Get(ctx, key); err != nil {
			logger.L().Debug("cache_get_error", "err", err)
		} else if hit {
			var rec geodb.Record
			if json.Unmarshal([]byte(s), &rec) == nil {
				metrics.CacheHitsTotal.Inc()
				metrics.LookupsTotal.WithLabelValues("ok").Inc()
				metrics.LookupDurationUs.Observe(float64(time.Since(t0).Microseconds()))
				rec.Dataset.Generation = id.Generation
				writeJSON(w, http.StatusOK, rec)
				d.countQuery(ctx, visitor)
				return
			}
		}
		metrics.CacheMissesTotal.Inc()
	}

	rec, err := d.Engine.Lookup(ip, query.Options{Lang: lang})
	switch {
	case err == nil:
	case errors.Is(err, geodb.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResult{Detail: "Address not found", IP: ip})
		return
	case errors.Is(err, query.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResult{Detail: "Database not available"})
		return
	default:
		logger.L().Error("lookup_error", "ip", ip, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResult{Detail: "Lookup failed", IP: ip})
		return
	}
	if key != "" && rec.Dataset.Checksum == id.Checksum {
		if b, err := json.Marshal(rec); err == nil {
			if err := d.Cache.Set(ctx, key, string(b), cacheTTL); err != nil {
				logger.L().Debug("cache_set_error", "err", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, rec)
	d.countQuery(ctx, visitor)
}

// countQuery：成功查询计数；访客去重依赖缓存，缓存关闭时每次查询都计为访客
func (d *Deps) countQuery(ctx context.Context, visitor string) {
	if d.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()
	first := true
	if d.Cache != nil && visitor != "" {
		f, err := d.Cache.FirstVisit(ctx, visitor, time.Now())
		if err != nil {
			logger.L().Debug("visitor_bloom_error", "err", err)
		}
		first = f
	}
	if err := d.Store.IncrStats(ctx, first); err != nil {
		logger.L().Debug("stats_incr_error", "err", err)
	}
}

func (d *Deps) health(w http.ResponseWriter, r *http.Request) {
	res := healthResult{Status: "ok", Refresh: d.Refresher.Status(), Retiring: d.Registry.Retiring()}
	if id, ok := d.Registry.Current(); ok {
		res.Dataset = &id
		writeJSON(w, http.StatusOK, res)
		return
	}
	res.Status = "unavailable"
	writeJSON(w, http.StatusServiceUnavailable, res)
}

func (d *Deps) database(w http.ResponseWriter, r *http.Request) {
	if d.ArchivePath == "" {
		writeJSON(w, http.StatusNotFound, errorResult{Detail: "Database archive not found"})
		return
	}
	f, err := os.Open(d.ArchivePath)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResult{Detail: "Database archive not found"})
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		writeJSON(w, http.StatusNotFound, errorResult{Detail: "Database archive not found"})
		return
	}
	w.Header().Set("content-type", "application/gzip")
	w.Header().Set("content-disposition", `attachment; filename="`+filepath.Base(d.ArchivePath)+`"`)
	http.ServeContent(w, r, filepath.Base(d.ArchivePath), fi.ModTime(), f)
}

// 文档注释：强制刷新（管理接口）
// 约束：x-admin-token 必须与 ADMIN_TOKEN 一致，未配置令牌时接口始终拒绝；已有刷新进行中返回 409。
func (d *Deps) refresh(w http.ResponseWriter, r *http.Request) {
	t := r.Header.Get("x-admin-token")
	if d.AdminToken == "" || subtle.ConstantTimeCompare([]byte(t), []byte(d.AdminToken)) != 1 {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	err := d.Refresher.Refresh(r.Context())
	st := d.Refresher.Status()
	res := refreshResult{Outcome: st.LastOutcome, Generation: st.Generation}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, refresh.ErrBusy):
		res.Outcome = refresh.OutcomeBusy
		writeJSON(w, http.StatusConflict, res)
	default:
		res.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, res)
	}
}

func (d *Deps) stats(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotFound, errorResult{Detail: "Statistics disabled"})
		return
	}
	t, err := d.Store.GetTotals(r.Context())
	if err != nil {
		logger.L().Error("stats_read_error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResult{Detail: "Statistics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}
