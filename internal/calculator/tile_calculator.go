package calculator

import (
	"math"

	"github.com/geoyee/fieldops/internal/model"
)

const (
	MaxZoom = 22
	// MaxLatitude Web Mercator 投影的纬度上限
	MaxLatitude = 85.05112878
)

type TileCalculator struct{}

func NewTileCalculator() *TileCalculator {
	return &TileCalculator{}
}

func (tc *TileCalculator) CalculateTiles(bounds model.Bounds, minZoom, maxZoom int) []model.Tile {
	tiles := make([]model.Tile, 0, tc.CountTiles(bounds, minZoom, maxZoom))
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		tiles = append(tiles, tc.TilesInBounds(bounds, zoom)...)
	}
	return tiles
}

func (tc *TileCalculator) CountTiles(bounds model.Bounds, minZoom, maxZoom int) int {
	var total int
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		minX, minY, maxX, maxY := tc.tileRange(bounds, zoom)
		if maxX < minX || maxY < minY {
			continue
		}
		total += (maxX - minX + 1) * (maxY - minY + 1)
	}
	return total
}

func (tc *TileCalculator) TilesInBounds(bounds model.Bounds, zoom int) []model.Tile {
	minX, minY, maxX, maxY := tc.tileRange(bounds, zoom)
	if maxX < minX || maxY < minY {
		return nil
	}
	tiles := make([]model.Tile, 0, (maxX-minX+1)*(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, model.Tile{X: x, Y: y, Z: zoom})
		}
	}
	return tiles
}

func (tc *TileCalculator) tileRange(bounds model.Bounds, zoom int) (int, int, int, int) {
	minX, minY := tc.Deg2Num(bounds.West, bounds.North, zoom)
	maxX, maxY := tc.Deg2Num(bounds.East, bounds.South, zoom)
	return tc.ClampTileCoords(minX, minY, maxX, maxY, zoom)
}

func (tc *TileCalculator) ClampTileCoords(minX, minY, maxX, maxY, zoom int) (int, int, int, int) {
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	maxTile := 1 << zoom
	if maxX >= maxTile {
		maxX = maxTile - 1
	}
	if maxY >= maxTile {
		maxY = maxTile - 1
	}
	return minX, minY, maxX, maxY
}

// Deg2Num 经纬度转瓦片坐标, 结果限制在 [0, 2^z-1]
func (tc *TileCalculator) Deg2Num(lon, lat float64, zoom int) (x, y int) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	n := float64(int(1) << zoom)
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	maxTile := int(n) - 1
	x = max(0, min(maxTile, x))
	y = max(0, min(maxTile, y))
	return x, y
}

// Num2Deg 瓦片左上角的经纬度
func (tc *TileCalculator) Num2Deg(x, y, zoom int) (lon, lat float64) {
	n := float64(int(1) << zoom)
	lon = float64(x)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi
	return lon, lat
}

func (tc *TileCalculator) ValidateZoomRange(minZoom, maxZoom int) error {
	if minZoom < 0 || maxZoom > MaxZoom || minZoom > maxZoom {
		return ErrInvalidZoomRange
	}
	return nil
}

func (tc *TileCalculator) ValidateBounds(bounds model.Bounds) error {
	if bounds.West < -180 || bounds.East > 180 || bounds.West > bounds.East {
		return ErrInvalidLonRange
	}
	if bounds.South < -90 || bounds.North > 90 || bounds.South >= bounds.North {
		return ErrInvalidLatRange
	}
	return nil
}
