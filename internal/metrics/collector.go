package metrics

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheSnapshot 每次采集时读取的缓存快照
type CacheSnapshot struct {
	TotalSize  int64
	TileCount  int64
	Regions    int
	QuotaBytes int64
}

// CacheCollector 在每次采集时上报瓦片缓存指标
type CacheCollector struct {
	snapshot func(ctx context.Context) (CacheSnapshot, error)
	logger   hclog.Logger

	cacheSizeBytes  *prometheus.Desc
	cacheTiles      *prometheus.Desc
	cacheRegions    *prometheus.Desc
	cacheQuotaBytes *prometheus.Desc
	cacheQuotaPct   *prometheus.Desc
}

// NewCacheCollector 创建采集器
func NewCacheCollector(snapshot func(ctx context.Context) (CacheSnapshot, error), logger hclog.Logger) *CacheCollector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CacheCollector{
		snapshot: snapshot,
		logger:   logger,
		cacheSizeBytes: prometheus.NewDesc(
			"fieldops_tile_cache_size_bytes",
			"Total size of cached tiles in bytes",
			nil, nil,
		),
		cacheTiles: prometheus.NewDesc(
			"fieldops_tile_cache_tiles",
			"Number of cached tiles",
			nil, nil,
		),
		cacheRegions: prometheus.NewDesc(
			"fieldops_tile_cache_regions",
			"Number of downloaded offline regions",
			nil, nil,
		),
		cacheQuotaBytes: prometheus.NewDesc(
			"fieldops_tile_cache_quota_bytes",
			"Tile cache quota in bytes",
			nil, nil,
		),
		cacheQuotaPct: prometheus.NewDesc(
			"fieldops_tile_cache_quota_used_percent",
			"Percentage of the tile cache quota in use (0-100)",
			nil, nil,
		),
	}
}

// Describe 向 Prometheus 发送指标描述
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheSizeBytes
	ch <- c.cacheTiles
	ch <- c.cacheRegions
	ch <- c.cacheQuotaBytes
	ch <- c.cacheQuotaPct
}

// Collect 读取缓存元数据并向 Prometheus 发送指标
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.snapshot(ctx)
	if err != nil {
		c.logger.Error("failed to read cache metrics", "error", err)
		// 出错时上报零值, 采集不中断
		snap = CacheSnapshot{}
	}

	pct := 0.0
	if snap.QuotaBytes > 0 {
		pct = float64(snap.TotalSize) / float64(snap.QuotaBytes) * 100
	}

	ch <- prometheus.MustNewConstMetric(c.cacheSizeBytes, prometheus.GaugeValue, float64(snap.TotalSize))
	ch <- prometheus.MustNewConstMetric(c.cacheTiles, prometheus.GaugeValue, float64(snap.TileCount))
	ch <- prometheus.MustNewConstMetric(c.cacheRegions, prometheus.GaugeValue, float64(snap.Regions))
	ch <- prometheus.MustNewConstMetric(c.cacheQuotaBytes, prometheus.GaugeValue, float64(snap.QuotaBytes))
	ch <- prometheus.MustNewConstMetric(c.cacheQuotaPct, prometheus.GaugeValue, pct)
}
