package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoip_lookups_total",
		Help: "Total number of lookups by outcome",
	}, []string{"outcome"})
	LookupDurationUs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoip_lookup_duration_us",
		Help:    "Lookup duration in microseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoip_refresh_total",
		Help: "Refresh attempts by outcome",
	}, []string{"outcome"})
	RefreshConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_refresh_consecutive_failures",
		Help: "Consecutive failed refresh attempts",
	})
	RefreshLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_refresh_last_success_timestamp_seconds",
		Help: "Unix time of the last successful refresh",
	})
	FetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoip_fetch_duration_ms",
		Help:    "Dataset acquisition duration in milliseconds",
		Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
	})
	DatasetGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_dataset_generation",
		Help: "Generation of the published dataset",
	})
	DatasetBuildTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_dataset_build_timestamp_seconds",
		Help: "Build time reported by the published dataset",
	})
	RetiringHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_retiring_handles",
		Help: "Retired datasets still referenced by in-flight lookups",
	})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoip_cache_hits_total",
		Help: "Total redis response cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoip_cache_misses_total",
		Help: "Total redis response cache misses",
	})
)

func init() {
	prometheus.MustRegister(LookupsTotal)
	prometheus.MustRegister(LookupDurationUs)
	prometheus.MustRegister(RefreshTotal)
	prometheus.MustRegister(RefreshConsecutiveFailures)
	prometheus.MustRegister(RefreshLastSuccess)
	prometheus.MustRegister(FetchDurationMs)
	prometheus.MustRegister(DatasetGeneration)
	prometheus.MustRegister(DatasetBuildTime)
	prometheus.MustRegister(RetiringHandles)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// 文档注释：返回 Prometheus 指标处理器，在主入口挂载到 {API_BASE}/metrics
func Handler() http.Handler { return promhttp.Handler() }
