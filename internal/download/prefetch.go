package download

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/geoyee/fieldops/internal/geo"
	"github.com/geoyee/fieldops/internal/model"
)

const (
	// DefaultPrefetchRadiusKm 预取半径默认值 (公里)
	DefaultPrefetchRadiusKm = 5.0
	DefaultPrefetchMinZoom  = 10
	DefaultPrefetchMaxZoom  = 16
)

// ErrInvalidLocation 预取中心点超出经纬度范围
var ErrInvalidLocation = errors.New("invalid prefetch location")

// PrefetchRequest 以某点为中心的预取请求, 零值字段使用默认值
type PrefetchRequest struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Layer     string  `json:"layer"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius_km"`
	MinZoom   int     `json:"min_zoom"`
	MaxZoom   int     `json:"max_zoom"`
}

// AroundBounds 返回以 (lat, lon) 为中心、半径 radiusKm 的外接矩形
func AroundBounds(lat, lon, radiusKm float64) model.Bounds {
	d := radiusKm * 1000
	north, _ := geo.Offset(lat, lon, d, 0)
	south, _ := geo.Offset(lat, lon, d, 180)
	_, east := geo.Offset(lat, lon, d, 90)
	_, west := geo.Offset(lat, lon, d, 270)
	// 越过极点时 Offset 会折返
	if north < lat {
		north = 90
	}
	if south > lat {
		south = -90
	}
	return model.Bounds{
		North: math.Min(north, 90),
		South: math.Max(south, -90),
		East:  math.Min(east, 180),
		West:  math.Max(west, -180),
	}
}

// Request 填充默认值并转换为区域下载请求
func (p PrefetchRequest) Request() (Request, error) {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return Request{}, fmt.Errorf("%w: %v, %v", ErrInvalidLocation, p.Latitude, p.Longitude)
	}
	if p.RadiusKm <= 0 {
		p.RadiusKm = DefaultPrefetchRadiusKm
	}
	if p.MinZoom == 0 && p.MaxZoom == 0 {
		p.MinZoom, p.MaxZoom = DefaultPrefetchMinZoom, DefaultPrefetchMaxZoom
	}
	if p.ID == "" {
		p.ID = fmt.Sprintf("around_%.4f_%.4f", p.Latitude, p.Longitude)
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("Area around %.4f, %.4f", p.Latitude, p.Longitude)
	}
	return Request{
		ID:      p.ID,
		Name:    p.Name,
		Layer:   p.Layer,
		Bounds:  AroundBounds(p.Latitude, p.Longitude, p.RadiusKm),
		MinZoom: p.MinZoom,
		MaxZoom: p.MaxZoom,
	}, nil
}

// PrefetchAround 下载某点周围的瓦片并记录为离线区域
func (d *Downloader) PrefetchAround(ctx context.Context, req PrefetchRequest, onProgress func(model.DownloadProgress)) (*Result, error) {
	region, err := req.Request()
	if err != nil {
		return nil, err
	}
	d.logger.Info("prefetching around location",
		"lat", req.Latitude,
		"lon", req.Longitude,
		"bounds", fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", region.Bounds.West, region.Bounds.South, region.Bounds.East, region.Bounds.North),
		"region", region.ID)
	return d.DownloadRegion(ctx, region, onProgress)
}
