// Package tilecache 提供持久化且有容量上限的瓦片缓存, 优先读缓存, 支持 TTL 过期和保护已下载区域的淘汰
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/calculator"
	"github.com/geoyee/fieldops/internal/metrics"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/util"
)

const (
	DefaultQuotaBytes      = 500 * 1024 * 1024
	DefaultTTL             = 30 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	// AverageTileSize 估算区域下载大小时使用的平均瓦片大小
	AverageTileSize = 15 * 1024

	// 清理到总大小不超过配额的该比例为止
	cleanupTargetRatio = 0.8

	metaNamespace = "tilecache"
	metaKey       = "cache-metadata"
)

// Fetcher 从网络下载瓦片
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options Cache 的配置
type Options struct {
	Store           storage.TileStore
	Fetcher         Fetcher
	QuotaBytes      int64
	TTL             time.Duration
	CleanupInterval time.Duration
	// Layers 覆盖已知图层的 URL 模板, 其他名称被忽略
	Layers map[string]string
	Clock  func() time.Time
	Logger hclog.Logger
}

// Cache 瓦片缓存, 元数据的更新由 metaMu 串行化, 网络请求不在锁内执行
type Cache struct {
	store           storage.TileStore
	fetcher         Fetcher
	quota           int64
	ttl             time.Duration
	cleanupInterval time.Duration
	layers          map[string]string
	clock           func() time.Time
	logger          hclog.Logger
	calc            *calculator.TileCalculator

	metaMu sync.Mutex
}

func New(opts Options) *Cache {
	c := &Cache{
		store:           opts.Store,
		fetcher:         opts.Fetcher,
		quota:           opts.QuotaBytes,
		ttl:             opts.TTL,
		cleanupInterval: opts.CleanupInterval,
		clock:           opts.Clock,
		logger:          opts.Logger,
		calc:            calculator.NewTileCalculator(),
	}
	if c.quota <= 0 {
		c.quota = DefaultQuotaBytes
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = DefaultCleanupInterval
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	c.logger = c.logger.Named("tilecache")
	c.layers = mergeLayers(opts.Layers, c.logger)
	return c
}

// Calculator 返回用于枚举瓦片的计算器
func (c *Cache) Calculator() *calculator.TileCalculator {
	return c.calc
}

// QuotaBytes 返回配置的配额
func (c *Cache) QuotaBytes() int64 {
	return c.quota
}

func (c *Cache) loadMeta(ctx context.Context) (model.CacheMetadata, error) {
	var meta model.CacheMetadata
	if _, err := c.store.LoadDocument(ctx, metaNamespace, metaKey, &meta); err != nil {
		return model.CacheMetadata{}, err
	}
	return meta, nil
}

func (c *Cache) saveMeta(ctx context.Context, meta model.CacheMetadata) error {
	if meta.TotalSize < 0 {
		meta.TotalSize = 0
	}
	if meta.TileCount < 0 {
		meta.TileCount = 0
	}
	return c.store.SaveDocument(ctx, metaNamespace, metaKey, meta)
}

// GetCachedTile 返回缓存的瓦片, 超过 TTL 的记录被删除并视为未命中
func (c *Cache) GetCachedTile(ctx context.Context, layer string, z, x, y int) ([]byte, bool) {
	key := util.TileKey(layer, z, x, y)
	rec, err := c.store.GetTile(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("tile read failed", "key", key, "error", err)
		}
		metrics.TileRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if c.clock().Sub(rec.CachedAt) > c.ttl {
		metrics.TileRequestsTotal.WithLabelValues("expired").Inc()
		c.logger.Debug("tile expired", "key", key, "cached_at", rec.CachedAt)
		if _, err := c.deleteTiles(ctx, []string{key}); err != nil {
			c.logger.Warn("failed to drop expired tile", "key", key, "error", err)
		}
		return nil, false
	}
	metrics.TileRequestsTotal.WithLabelValues("hit").Inc()
	return rec.Data, true
}

// CacheTile 保存瓦片并更新计数, 超出配额时触发清理
func (c *Cache) CacheTile(ctx context.Context, layer string, z, x, y int, data []byte) bool {
	if _, ok := c.layers[layer]; !ok {
		c.logger.Warn("refusing tile for unknown layer", "layer", layer)
		return false
	}
	rec := &model.TileRecord{
		Key:      util.TileKey(layer, z, x, y),
		Layer:    layer,
		Z:        z,
		X:        x,
		Y:        y,
		Data:     data,
		Size:     int64(len(data)),
		CachedAt: c.clock(),
	}

	c.metaMu.Lock()
	prevSize, replaced, err := c.store.PutTile(ctx, rec)
	if err != nil {
		c.metaMu.Unlock()
		c.logger.Error("failed to cache tile", "key", rec.Key, "error", err)
		return false
	}
	meta, err := c.loadMeta(ctx)
	if err != nil {
		c.metaMu.Unlock()
		c.logger.Error("failed to load cache metadata", "error", err)
		return true
	}
	if replaced {
		meta.TotalSize += rec.Size - prevSize
	} else {
		meta.TotalSize += rec.Size
		meta.TileCount++
	}
	if err := c.saveMeta(ctx, meta); err != nil {
		c.logger.Error("failed to save cache metadata", "error", err)
	}
	over := meta.TotalSize > c.quota
	c.metaMu.Unlock()

	if over {
		if _, err := c.Cleanup(ctx, false); err != nil {
			c.logger.Warn("cleanup failed", "error", err)
		}
	}
	return true
}

// FetchTile 下载瓦片, 不读写缓存
func (c *Cache) FetchTile(ctx context.Context, layer string, z, x, y int) ([]byte, error) {
	url, err := c.TileURL(layer, z, x, y)
	if err != nil {
		return nil, err
	}
	if c.fetcher == nil {
		return nil, errors.New("no tile fetcher configured")
	}
	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.TileFetchesTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.TileFetchesTotal.WithLabelValues("success").Inc()
	return data, nil
}

// FetchAndCacheTile 优先读缓存, 未命中时从网络下载
// 网络失败时返回 false, 调用方可显示占位图
func (c *Cache) FetchAndCacheTile(ctx context.Context, layer string, z, x, y int) ([]byte, bool) {
	if data, ok := c.GetCachedTile(ctx, layer, z, x, y); ok {
		return data, true
	}
	data, err := c.FetchTile(ctx, layer, z, x, y)
	if err != nil {
		c.logger.Warn("tile fetch failed", "key", util.TileKey(layer, z, x, y), "error", err)
		return nil, false
	}
	c.CacheTile(ctx, layer, z, x, y, data)
	return data, true
}

// Estimate 区域下载的预计开销
type Estimate struct {
	TileCount       int     `json:"tile_count"`
	EstimatedBytes  int64   `json:"estimated_bytes"`
	EstimatedSizeMB float64 `json:"estimated_size_mb"`
}

// EstimateDownloadSize 统计区域瓦片数并按平均瓦片大小估算
func (c *Cache) EstimateDownloadSize(bounds model.Bounds, minZoom, maxZoom int) Estimate {
	count := c.calc.CountTiles(bounds, minZoom, maxZoom)
	bytes := int64(count) * AverageTileSize
	return Estimate{
		TileCount:       count,
		EstimatedBytes:  bytes,
		EstimatedSizeMB: float64(bytes) / (1024 * 1024),
	}
}

// deleteTiles 删除 keys 并按实际删除的数量扣减计数
func (c *Cache) deleteTiles(ctx context.Context, keys []string) (int, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	var freed int64
	deleted := 0
	for _, key := range keys {
		size, ok, err := c.store.DeleteTile(ctx, key)
		if err != nil {
			c.logger.Warn("tile delete failed", "key", key, "error", err)
			continue
		}
		if ok {
			freed += size
			deleted++
		}
	}
	if deleted == 0 {
		return 0, nil
	}
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return deleted, err
	}
	meta.TotalSize -= freed
	meta.TileCount -= int64(deleted)
	return deleted, c.saveMeta(ctx, meta)
}

// Cleanup 先删除所有超过 TTL 的瓦片, 再按时间从旧到新淘汰不在任何已下载区域缩放范围内的瓦片,
// 直到总大小不超过配额的 80%
// force 为 false 时每个清理间隔内最多执行一次
func (c *Cache) Cleanup(ctx context.Context, force bool) (int, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return 0, err
	}
	now := c.clock()
	if !force && !meta.LastCleanup.IsZero() && now.Sub(meta.LastCleanup) < c.cleanupInterval {
		c.logger.Debug("cleanup skipped, ran recently", "last_cleanup", meta.LastCleanup)
		return 0, nil
	}

	tiles, err := c.store.ListTilesOldestFirst(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	live := make([]model.TileRecord, 0, len(tiles))
	for _, t := range tiles {
		if now.Sub(t.CachedAt) <= c.ttl {
			live = append(live, t)
			continue
		}
		if c.evictLocked(ctx, &meta, t.Key) {
			expired++
		}
	}

	target := int64(float64(c.quota) * cleanupTargetRatio)
	evicted := 0
	for _, t := range live {
		if meta.TotalSize <= target {
			break
		}
		if protected(meta.DownloadedRegions, t.Z) {
			continue
		}
		if c.evictLocked(ctx, &meta, t.Key) {
			evicted++
		}
	}
	meta.LastCleanup = now
	if err := c.saveMeta(ctx, meta); err != nil {
		return expired + evicted, err
	}
	metrics.TileEvictionsTotal.Add(float64(expired + evicted))
	c.logger.Info("cleanup finished",
		"expired", expired,
		"evicted", evicted,
		"total_size", meta.TotalSize,
		"target", target)
	return expired + evicted, nil
}

// evictLocked 删除一个瓦片并调整 meta, 调用方需持有 metaMu
func (c *Cache) evictLocked(ctx context.Context, meta *model.CacheMetadata, key string) bool {
	size, ok, err := c.store.DeleteTile(ctx, key)
	if err != nil {
		c.logger.Warn("eviction failed", "key", key, "error", err)
		return false
	}
	if ok {
		meta.TotalSize -= size
		meta.TileCount--
	}
	return ok
}

func protected(regions []model.DownloadedRegion, z int) bool {
	for _, r := range regions {
		if r.ProtectsZoom(z) {
			return true
		}
	}
	return false
}

// DownloadedRegions 返回可离线使用的区域
func (c *Cache) DownloadedRegions(ctx context.Context) []model.DownloadedRegion {
	meta, err := c.loadMeta(ctx)
	if err != nil {
		c.logger.Error("failed to load cache metadata", "error", err)
		return nil
	}
	return meta.DownloadedRegions
}

// Region 查找已下载的区域
func (c *Cache) Region(ctx context.Context, id string) (model.DownloadedRegion, bool) {
	for _, r := range c.DownloadedRegions(ctx) {
		if r.ID == id {
			return r, true
		}
	}
	return model.DownloadedRegion{}, false
}

// SaveDownloadedRegion 按 ID 新增或更新区域
func (c *Cache) SaveDownloadedRegion(ctx context.Context, region model.DownloadedRegion) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range meta.DownloadedRegions {
		if meta.DownloadedRegions[i].ID == region.ID {
			meta.DownloadedRegions[i] = region
			replaced = true
			break
		}
	}
	if !replaced {
		meta.DownloadedRegions = append(meta.DownloadedRegions, region)
	}
	return c.saveMeta(ctx, meta)
}

// DeleteRegion 删除区域并尽量删除其瓦片
func (c *Cache) DeleteRegion(ctx context.Context, id string) bool {
	region, ok := c.Region(ctx, id)
	if !ok {
		return false
	}
	layer := region.Layer
	if layer == "" {
		layer = LayerStandard
	}
	tiles := c.calc.CalculateTiles(region.Bounds, region.MinZoom, region.MaxZoom)
	keys := make([]string, 0, len(tiles))
	for _, t := range tiles {
		keys = append(keys, util.TileKey(layer, t.Z, t.X, t.Y))
	}
	deleted, err := c.deleteTiles(ctx, keys)
	if err != nil {
		c.logger.Error("failed to update counters after region delete", "region", id, "error", err)
	}

	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	meta, err := c.loadMeta(ctx)
	if err != nil {
		c.logger.Error("failed to load cache metadata", "error", err)
		return false
	}
	kept := meta.DownloadedRegions[:0]
	for _, r := range meta.DownloadedRegions {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	meta.DownloadedRegions = kept
	if err := c.saveMeta(ctx, meta); err != nil {
		c.logger.Error("failed to remove region record", "region", id, "error", err)
		return false
	}
	c.logger.Info("region deleted", "region", id, "tiles", deleted)
	return true
}

// Stats 返回缓存统计
type Stats struct {
	TotalSize   int64     `json:"total_size"`
	TotalSizeMB float64   `json:"total_size_mb"`
	TileCount   int64     `json:"tile_count"`
	RegionCount int       `json:"region_count"`
	LastCleanup time.Time `json:"last_cleanup"`
	QuotaBytes  int64     `json:"quota_bytes"`
	UsedPercent float64   `json:"used_percent"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	meta, err := c.loadMeta(ctx)
	if err != nil {
		c.logger.Error("failed to load cache metadata", "error", err)
	}
	return Stats{
		TotalSize:   meta.TotalSize,
		TotalSizeMB: float64(meta.TotalSize) / (1024 * 1024),
		TileCount:   meta.TileCount,
		RegionCount: len(meta.DownloadedRegions),
		LastCleanup: meta.LastCleanup,
		QuotaBytes:  c.quota,
		UsedPercent: float64(meta.TotalSize) / float64(c.quota) * 100,
	}
}

// Snapshot 供指标采集器读取
func (c *Cache) Snapshot(ctx context.Context) (metrics.CacheSnapshot, error) {
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return metrics.CacheSnapshot{}, err
	}
	return metrics.CacheSnapshot{
		TotalSize:  meta.TotalSize,
		TileCount:  meta.TileCount,
		Regions:    len(meta.DownloadedRegions),
		QuotaBytes: c.quota,
	}, nil
}

// ClearAllTiles 删除所有瓦片和区域并重置计数
func (c *Cache) ClearAllTiles(ctx context.Context) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if err := c.store.ClearTiles(ctx); err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("cache cleared", "tiles", meta.TileCount, "size", meta.TotalSize)
	return c.saveMeta(ctx, model.CacheMetadata{LastCleanup: meta.LastCleanup})
}
