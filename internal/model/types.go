// Package model 定义数据模型
package model

import "time"

// Tile 瓦片坐标
type Tile struct {
	X, Y, Z int
}

// Bounds 经纬度范围
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// TileRecord 缓存中的瓦片记录
type TileRecord struct {
	Key      string    `json:"key"`
	Layer    string    `json:"layer"`
	Z        int       `json:"z"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Data     []byte    `json:"-"`
	Size     int64     `json:"size"`
	CachedAt time.Time `json:"cached_at"`
}

// CacheMetadata 缓存汇总信息 (单例记录)
type CacheMetadata struct {
	TotalSize         int64              `json:"total_size"`
	TileCount         int64              `json:"tile_count"`
	LastCleanup       time.Time          `json:"last_cleanup"`
	DownloadedRegions []DownloadedRegion `json:"downloaded_regions"`
}

// DownloadedRegion 已下载的离线区域
type DownloadedRegion struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Layer        string    `json:"layer"`
	Bounds       Bounds    `json:"bounds"`
	MinZoom      int       `json:"min_zoom"`
	MaxZoom      int       `json:"max_zoom"`
	TileCount    int       `json:"tile_count"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// ProtectsZoom 判断缩放级别是否受该区域保护
func (r DownloadedRegion) ProtectsZoom(z int) bool {
	return z >= r.MinZoom && z <= r.MaxZoom
}

// DownloadProgress 下载进度
type DownloadProgress struct {
	Total          int    `json:"total"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
	CurrentTile    string `json:"current_tile"`
	EstimatedSize  int64  `json:"estimated_size"`
	DownloadedSize int64  `json:"downloaded_size"`
}

// Attempted 已尝试的瓦片数
func (p DownloadProgress) Attempted() int {
	return p.Completed + p.Failed
}

// DownloadStats 下载统计
type DownloadStats struct {
	Total         int64
	Success       int64
	Failed        int64
	Cached        int64
	Retries       int64
	BytesTotal    int64
	ActiveWorkers int32
	StartTime     time.Time
	SpeedHistory  []SpeedRecord
}

// SpeedRecord 速度记录
type SpeedRecord struct {
	Time  time.Time
	Speed float64
	Count int64
}
