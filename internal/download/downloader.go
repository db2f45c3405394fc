package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/geoyee/fieldops/internal/calculator"
	"github.com/geoyee/fieldops/internal/client"
	"github.com/geoyee/fieldops/internal/metrics"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/stats"
	"github.com/geoyee/fieldops/internal/tilecache"
	"github.com/geoyee/fieldops/internal/util"
)

const (
	// DefaultTileTimeout 单个瓦片的硬超时
	DefaultTileTimeout = 30 * time.Second
	maxRetryDelay      = 30 * time.Second
)

// ErrCancelled 下载被调用方取消, 此时不会保存区域记录
var ErrCancelled = errors.New("download cancelled")

// TileCache 下载器依赖的缓存操作
type TileCache interface {
	Calculator() *calculator.TileCalculator
	TileURL(layer string, z, x, y int) (string, error)
	EstimateDownloadSize(bounds model.Bounds, minZoom, maxZoom int) tilecache.Estimate
	GetCachedTile(ctx context.Context, layer string, z, x, y int) ([]byte, bool)
	CacheTile(ctx context.Context, layer string, z, x, y int, data []byte) bool
	FetchTile(ctx context.Context, layer string, z, x, y int) ([]byte, error)
	SaveDownloadedRegion(ctx context.Context, region model.DownloadedRegion) error
}

// Options 下载器配置
type Options struct {
	Workers     int
	TileTimeout time.Duration
	// Retries 网络错误时的额外尝试次数
	Retries int
	// RateLimit 每秒请求数, 0 表示不限制
	RateLimit     int
	StatsInterval time.Duration
	Clock         func() time.Time
	Logger        hclog.Logger
}

// Request 区域下载请求
type Request struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Layer   string       `json:"layer"`
	Bounds  model.Bounds `json:"bounds"`
	MinZoom int          `json:"min_zoom"`
	MaxZoom int          `json:"max_zoom"`
}

// Result 区域下载结果
type Result struct {
	Region   *model.DownloadedRegion `json:"region,omitempty"`
	Progress model.DownloadProgress  `json:"progress"`
	Summary  stats.Summary           `json:"summary"`
	Errors   map[string]int          `json:"errors,omitempty"`
}

// Downloader 区域下载器
type Downloader struct {
	cache       TileCache
	pool        *WorkerPool
	tileTimeout time.Duration
	retries     int
	limiter     *rate.Limiter
	statsEvery  time.Duration
	clock       func() time.Time
	logger      hclog.Logger
}

// NewDownloader 创建下载器
func NewDownloader(cache TileCache, opts Options) *Downloader {
	d := &Downloader{
		cache:       cache,
		pool:        NewWorkerPool(opts.Workers),
		tileTimeout: opts.TileTimeout,
		retries:     opts.Retries,
		statsEvery:  opts.StatsInterval,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if d.tileTimeout <= 0 {
		d.tileTimeout = DefaultTileTimeout
	}
	if d.retries < 0 {
		d.retries = 0
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.logger == nil {
		d.logger = hclog.NewNullLogger()
	}
	d.logger = d.logger.Named("download")
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}
	return d
}

// run 单次下载的共享状态
type run struct {
	req        Request
	onProgress func(model.DownloadProgress)
	stats      *model.DownloadStats
	errorStats *util.ErrorStats

	mu       sync.Mutex
	progress model.DownloadProgress
}

// report 记录一次尝试并按顺序推送进度
func (r *run) report(key string, size int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.progress.Failed++
	} else {
		r.progress.Completed++
		r.progress.DownloadedSize += size
	}
	r.progress.CurrentTile = key
	if r.onProgress != nil {
		r.onProgress(r.progress)
	}
}

func (r *run) snapshot() model.DownloadProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// DownloadRegion 下载区域内全部瓦片. ctx 即取消信号, worker 在每个瓦片开始前检查.
// 单个瓦片失败不会中断批次; 全部瓦片尝试完毕后保存区域记录
func (d *Downloader) DownloadRegion(ctx context.Context, req Request, onProgress func(model.DownloadProgress)) (*Result, error) {
	calc := d.cache.Calculator()
	if err := calc.ValidateZoomRange(req.MinZoom, req.MaxZoom); err != nil {
		return nil, err
	}
	if err := calc.ValidateBounds(req.Bounds); err != nil {
		return nil, err
	}
	if req.Layer == "" {
		req.Layer = tilecache.LayerStandard
	}
	if _, err := d.cache.TileURL(req.Layer, 0, 0, 0); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, errors.New("region id is required")
	}

	tiles := calc.CalculateTiles(req.Bounds, req.MinZoom, req.MaxZoom)
	if len(tiles) == 0 {
		return nil, calculator.ErrNoTilesFound
	}

	monitor := stats.NewStatsMonitor(d.logger, d.statsEvery)
	monitor.InitStats(len(tiles))
	r := &run{
		req:        req,
		onProgress: onProgress,
		stats:      monitor.GetStats(),
		errorStats: util.NewErrorStats(),
		progress: model.DownloadProgress{
			Total:         len(tiles),
			EstimatedSize: d.cache.EstimateDownloadSize(req.Bounds, req.MinZoom, req.MaxZoom).EstimatedBytes,
		},
	}

	d.logger.Info("starting region download",
		"region", req.ID,
		"layer", req.Layer,
		"tiles", len(tiles),
		"zoom", fmt.Sprintf("%d-%d", req.MinZoom, req.MaxZoom),
		"workers", d.pool.Workers())

	monitor.StartMonitoring()
	_ = d.pool.Run(ctx, tiles, r.stats, func(tile model.Tile) {
		d.downloadTile(ctx, r, tile)
	})
	monitor.StopMonitoring()

	progress := r.snapshot()
	result := &Result{
		Progress: progress,
		Summary:  monitor.FinalStats(),
		Errors:   r.errorStats.GetErrorStats(),
	}
	d.logErrorStats(r.errorStats)

	if progress.Attempted() < progress.Total {
		metrics.RegionDownloadsTotal.WithLabelValues("cancelled").Inc()
		d.logger.Info("region download cancelled", "region", req.ID, "attempted", progress.Attempted(), "total", progress.Total)
		return result, ErrCancelled
	}

	region := model.DownloadedRegion{
		ID:           req.ID,
		Name:         req.Name,
		Layer:        req.Layer,
		Bounds:       req.Bounds,
		MinZoom:      req.MinZoom,
		MaxZoom:      req.MaxZoom,
		TileCount:    progress.Completed,
		Size:         progress.DownloadedSize,
		DownloadedAt: d.clock(),
	}
	if err := d.cache.SaveDownloadedRegion(context.WithoutCancel(ctx), region); err != nil {
		metrics.RegionDownloadsTotal.WithLabelValues("failed").Inc()
		d.logger.Error("failed to save region", "region", req.ID, "error", err)
		return result, fmt.Errorf("save region %s: %w", req.ID, err)
	}
	result.Region = &region
	metrics.RegionDownloadsTotal.WithLabelValues("completed").Inc()
	d.logger.Info("region download complete", "region", req.ID, "completed", progress.Completed, "failed", progress.Failed)
	return result, nil
}

// downloadTile 处理单个瓦片: 已缓存直接计为成功, 否则带重试下载并写入缓存
func (d *Downloader) downloadTile(ctx context.Context, r *run, tile model.Tile) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// 仅在取消时发生, 该瓦片不计入尝试
			return
		}
	}
	layer := r.req.Layer
	key := util.TileKey(layer, tile.Z, tile.X, tile.Y)
	// 已开始的瓦片不受取消影响
	work := context.WithoutCancel(ctx)

	if data, ok := d.cache.GetCachedTile(work, layer, tile.Z, tile.X, tile.Y); ok {
		atomic.AddInt64(&r.stats.Success, 1)
		atomic.AddInt64(&r.stats.Cached, 1)
		atomic.AddInt64(&r.stats.BytesTotal, int64(len(data)))
		r.report(key, int64(len(data)), nil)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				break
			}
			delay := min(time.Duration(1<<uint(attempt-1))*500*time.Millisecond, maxRetryDelay)
			time.Sleep(delay)
			atomic.AddInt64(&r.stats.Retries, 1)
		}

		data, err := d.fetch(work, layer, tile)
		if err == nil {
			if !d.cache.CacheTile(work, layer, tile.Z, tile.X, tile.Y, data) {
				lastErr = errors.New("storage failure: tile not cached")
				break
			}
			atomic.AddInt64(&r.stats.Success, 1)
			atomic.AddInt64(&r.stats.BytesTotal, int64(len(data)))
			r.report(key, int64(len(data)), nil)
			return
		}
		lastErr = err
		if !client.IsRetryable(err) {
			break
		}
	}

	r.errorStats.RecordError(lastErr)
	failed := atomic.AddInt64(&r.stats.Failed, 1)
	if failed%10 == 0 {
		d.logger.Warn("tiles failing", "failed", failed, "last_error", lastErr)
	}
	d.logger.Debug("tile failed", "key", key, "error", lastErr)
	r.report(key, 0, lastErr)
}

// fetch 带硬超时的单次请求, 超时计为失败
func (d *Downloader) fetch(ctx context.Context, layer string, tile model.Tile) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.tileTimeout)
	defer cancel()
	return d.cache.FetchTile(ctx, layer, tile.Z, tile.X, tile.Y)
}

func (d *Downloader) logErrorStats(es *util.ErrorStats) {
	if !es.HasErrors() {
		return
	}
	counts := es.GetErrorStats()
	for _, category := range es.Categories() {
		d.logger.Warn("tile error summary", "category", category, "count", counts[category])
	}
}
