package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 瓦片缓存与下载计数
var (
	// TileRequestsTotal 按结果 (hit, miss, expired) 统计缓存查询
	TileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_tile_cache_requests_total",
			Help: "Total number of tile cache lookups",
		},
		[]string{"result"},
	)

	// TileFetchesTotal 按状态 (success, failure) 统计网络瓦片请求
	TileFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_tile_fetches_total",
			Help: "Total number of tile fetches from the tile source",
		},
		[]string{"status"},
	)

	// TileEvictionsTotal 清理时删除的瓦片数
	TileEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldops_tile_evictions_total",
			Help: "Total number of tiles evicted by cleanup (expired or over quota)",
		},
	)

	// RegionDownloadsTotal 按结果 (completed, cancelled, failed) 统计区域下载
	RegionDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_region_downloads_total",
			Help: "Total number of region downloads",
		},
		[]string{"status"},
	)
)

// 定位计数
var (
	// GeofenceEventsTotal 按类型 (enter, exit, dwell) 统计围栏事件
	GeofenceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_geofence_events_total",
			Help: "Total number of geofence events emitted",
		},
		[]string{"type"},
	)

	// SamplerPositionsTotal 按过滤结果 (accepted, rejected) 统计原始位置
	SamplerPositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_sampler_positions_total",
			Help: "Total number of raw positions seen by the location sampler",
		},
		[]string{"decision"},
	)

	// SamplingMode 当前采样模式为 1, 其他为 0
	SamplingMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldops_sampling_mode",
			Help: "Active location sampling mode (1 = active)",
		},
		[]string{"mode"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal 按方法、路由和状态码统计 HTTP 请求
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration 按方法和路由统计 HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldops_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)

var samplingModes = []string{"high_accuracy", "balanced", "power_saver", "ultra_saver"}

// SetSamplingMode 将 mode 标记为当前模式
func SetSamplingMode(mode string) {
	for _, m := range samplingModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		SamplingMode.WithLabelValues(m).Set(v)
	}
}
