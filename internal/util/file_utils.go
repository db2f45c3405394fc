// Package util 提供工具函数
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetTileURL 获取瓦片URL
func GetTileURL(urlTemplate string, x, y, z int) string {
	url := urlTemplate
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(x))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(z))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa((1<<z)-y-1))
	return url
}

// TileKey 生成瓦片唯一标识 layer/z/x/y
func TileKey(layer string, z, x, y int) string {
	return fmt.Sprintf("%s/%d/%d/%d", layer, z, x, y)
}

// ParseTileKey 解析 layer/z/x/y 形式的瓦片标识
func ParseTileKey(key string) (layer string, z, x, y int, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", 0, 0, 0, fmt.Errorf("invalid tile key %q", key)
	}
	nums := make([]int, 3)
	for i, p := range parts[1:] {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return "", 0, 0, 0, fmt.Errorf("invalid tile key %q: %w", key, convErr)
		}
		nums[i] = n
	}
	return parts[0], nums[0], nums[1], nums[2], nil
}

// GetSavePath 获取导出路径
func GetSavePath(saveDir, format string, x, y, z int, ext string) (string, error) {
	var path string

	switch format {
	case "zxy", "":
		path = filepath.Join(saveDir, strconv.Itoa(z),
			strconv.Itoa(x), strconv.Itoa(y))
	case "xyz":
		path = filepath.Join(saveDir, strconv.Itoa(x),
			strconv.Itoa(y), strconv.Itoa(z))
	case "z/x/y":
		path = filepath.Join(saveDir, fmt.Sprintf("%d/%d/%d", z, x, y))
	default:
		return "", fmt.Errorf("unsupported save format %q", format)
	}

	if ext != "" && !strings.HasSuffix(path, ext) {
		path += ext
	}

	return path, nil
}

// EnsureDirExists 确保目录存在
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}
