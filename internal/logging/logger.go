// Package logging 创建 fieldops 各程序共用的 hclog 日志
package logging

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

// New 创建写入 output 的日志, output 为 nil 时写入 stderr
func New(name, level string, jsonFormat bool, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		JSONFormat: jsonFormat,
		Output:     output,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// LevelFromEnv 返回 FIELDOPS_LOG_LEVEL, 未设置时返回 fallback
func LevelFromEnv(fallback string) string {
	if level := os.Getenv("FIELDOPS_LOG_LEVEL"); level != "" {
		return level
	}
	return fallback
}
