package tilecache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/util"
)

const (
	LayerStandard  = "standard"
	LayerSatellite = "satellite"
	LayerTerrain   = "terrain"
)

// ErrUnknownLayer 未知的图层名称
var ErrUnknownLayer = errors.New("unknown tile layer")

// DefaultLayers 图层到 URL 模板的映射
var DefaultLayers = map[string]string{
	LayerStandard:  "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
	LayerSatellite: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
	LayerTerrain:   "https://stamen-tiles.a.ssl.fastly.net/terrain/{z}/{x}/{y}.png",
}

// IsKnownLayer 判断 name 是否为内置图层
func IsKnownLayer(name string) bool {
	_, ok := DefaultLayers[name]
	return ok
}

// mergeLayers 将 overrides 覆盖到 DefaultLayers 之上
func mergeLayers(overrides map[string]string, logger hclog.Logger) map[string]string {
	layers := make(map[string]string, len(DefaultLayers))
	for name, tpl := range DefaultLayers {
		layers[name] = tpl
	}
	for name, tpl := range overrides {
		if !IsKnownLayer(name) {
			logger.Warn("ignoring template for unknown layer", "layer", name)
			continue
		}
		if tpl != "" {
			layers[name] = tpl
		}
	}
	return layers
}

// LayerNames 按顺序返回已配置的图层名称
func (c *Cache) LayerNames() []string {
	names := make([]string, 0, len(c.layers))
	for name := range c.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TileURL 为单个瓦片展开图层模板
func (c *Cache) TileURL(layer string, z, x, y int) (string, error) {
	tpl, ok := c.layers[layer]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	return util.GetTileURL(tpl, x, y, z), nil
}
