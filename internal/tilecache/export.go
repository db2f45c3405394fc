package tilecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/util"
)

// ErrRegionNotFound 已下载区域不存在
var ErrRegionNotFound = errors.New("region not found")

// ExportResult ExportRegion 的写出统计
type ExportResult struct {
	Written int   `json:"written"`
	Missing int   `json:"missing"`
	Bytes   int64 `json:"bytes"`
}

// ExportRegion 按指定布局 ("zxy", "xyz" 或 "z/x/y") 将已下载区域的缓存瓦片写到 dir 下
// 文件扩展名由瓦片内容决定, 缓存中缺失的瓦片计数后跳过
func (c *Cache) ExportRegion(ctx context.Context, id, dir, format string) (ExportResult, error) {
	var res ExportResult
	region, ok := c.Region(ctx, id)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	if _, err := util.GetSavePath(dir, format, 0, 0, 0, ""); err != nil {
		return res, err
	}
	layer := region.Layer
	if layer == "" {
		layer = LayerStandard
	}

	for _, t := range c.calc.CalculateTiles(region.Bounds, region.MinZoom, region.MaxZoom) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := util.TileKey(layer, t.Z, t.X, t.Y)
		rec, err := c.store.GetTile(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			res.Missing++
			continue
		}
		if err != nil {
			return res, err
		}

		ext := mimetype.Detect(rec.Data).Extension()
		path, err := util.GetSavePath(dir, format, t.X, t.Y, t.Z, ext)
		if err != nil {
			return res, err
		}
		if err := util.EnsureDirExists(filepath.Dir(path)); err != nil {
			return res, fmt.Errorf("create directory: %w", err)
		}
		if err := os.WriteFile(path, rec.Data, 0644); err != nil {
			return res, fmt.Errorf("write tile %s: %w", key, err)
		}
		res.Written++
		res.Bytes += rec.Size
	}
	c.logger.Info("region exported", "region", id, "dir", dir, "written", res.Written, "missing", res.Missing)
	return res, nil
}
