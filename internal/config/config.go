// Package config 从 JSON 文件或 FIELDOPS_* 环境变量加载配置
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/battery"
	"github.com/geoyee/fieldops/internal/client"
	"github.com/geoyee/fieldops/internal/download"
	"github.com/geoyee/fieldops/internal/geofence"
	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/tilecache"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// DriverMemory 所有数据保存在进程内存中
const DriverMemory = "memory"

const defaultUserAgent = "fieldops/1.0 (+offline tile cache)"

// Config 完整的应用配置
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Cache    CacheConfig    `json:"cache"`
	Download DownloadConfig `json:"download"`
	Geofence GeofenceConfig `json:"geofence"`
	Battery  BatteryConfig  `json:"battery"`
	Kafka    KafkaConfig    `json:"kafka"`
	Server   ServerConfig   `json:"server"`
	Log      LogConfig      `json:"log"`
}

// StorageConfig 持久化存储配置
type StorageConfig struct {
	// Driver 可选 "sqlite" (纯 Go)、"sqlite3" (cgo) 或 "memory"
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// RegionsDir 非空时围栏区域以 JSON 文件保存在该目录, 而不是数据库
	RegionsDir string `json:"regions_dir"`
}

// CacheConfig 瓦片缓存配置
type CacheConfig struct {
	QuotaMB                int `json:"quota_mb"`
	TTLDays                int `json:"ttl_days"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes"`
	// Layers 按名称覆盖内置图层的 URL 模板
	Layers map[string]string `json:"layers,omitempty"`
}

// DownloadConfig 区域下载和 HTTP 配置
type DownloadConfig struct {
	Workers        int    `json:"workers"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Retries        int    `json:"retries"`
	RateLimit      int    `json:"rate_limit"`
	UserAgent      string `json:"user_agent"`
	Referer        string `json:"referer"`
	ProxyURL       string `json:"proxy_url"`
	UseHTTP2       bool   `json:"use_http2"`
	MinTileSize    int64  `json:"min_tile_size"`
	MaxTileSize    int64  `json:"max_tile_size"`
}

// GeofenceConfig 围栏监控的时间配置
type GeofenceConfig struct {
	DwellSeconds   int `json:"dwell_seconds"`
	RecheckSeconds int `json:"recheck_seconds"`
}

// 电量来源
const (
	BatterySourcePush  = "push"
	BatterySourceSysfs = "sysfs"
	BatterySourceNone  = "none"
)

// BatteryConfig 电量来源配置
type BatteryConfig struct {
	// Source 可选 "push" (宿主推送)、"sysfs" 或 "none"
	Source      string `json:"source"`
	PollSeconds int    `json:"poll_seconds"`
	SysfsRoot   string `json:"sysfs_root"`
}

// KafkaConfig Brokers 非空时启用事件发布
type KafkaConfig struct {
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	DeviceID string   `json:"device_id"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// Default 返回所有字段均已设置的默认配置
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: storage.DriverModernc,
			Path:   "./fieldops.db",
		},
		Cache: CacheConfig{
			QuotaMB:                int(tilecache.DefaultQuotaBytes / (1024 * 1024)),
			TTLDays:                int(tilecache.DefaultTTL / (24 * time.Hour)),
			CleanupIntervalMinutes: int(tilecache.DefaultCleanupInterval / time.Minute),
		},
		Download: DownloadConfig{
			Workers:        download.DefaultWorkers,
			TimeoutSeconds: int(download.DefaultTileTimeout / time.Second),
			Retries:        3,
			RateLimit:      10,
			UserAgent:      defaultUserAgent,
			UseHTTP2:       true,
			MinTileSize:    100,
			MaxTileSize:    client.DefaultMaxTileSize,
		},
		Geofence: GeofenceConfig{
			DwellSeconds:   int(geofence.DefaultDwellThreshold / time.Second),
			RecheckSeconds: int(geofence.DefaultRecheckInterval / time.Second),
		},
		Battery: BatteryConfig{
			Source:      BatterySourcePush,
			PollSeconds: int(battery.DefaultPollInterval / time.Second),
			SysfsRoot:   battery.DefaultSysfsRoot,
		},
		Kafka: KafkaConfig{
			Topic: "fieldops.events",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case storage.DriverModernc, storage.DriverCGO:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage path is required", ErrInvalidConfig)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Cache.QuotaMB <= 0 {
		return fmt.Errorf("%w: cache quota must be positive", ErrInvalidConfig)
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", ErrInvalidConfig)
	}
	if c.Cache.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("%w: cleanup interval must be positive", ErrInvalidConfig)
	}
	for name, tpl := range c.Cache.Layers {
		if !tilecache.IsKnownLayer(name) {
			return fmt.Errorf("%w: unknown cache layer %q", ErrInvalidConfig, name)
		}
		if tpl == "" {
			return fmt.Errorf("%w: empty url template for layer %q", ErrInvalidConfig, name)
		}
	}
	if c.Download.Workers <= 0 {
		return fmt.Errorf("%w: download workers must be positive", ErrInvalidConfig)
	}
	if c.Download.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: download timeout must be positive", ErrInvalidConfig)
	}
	if c.Download.Retries < 0 || c.Download.RateLimit < 0 {
		return fmt.Errorf("%w: retries and rate limit must not be negative", ErrInvalidConfig)
	}
	if c.Download.MaxTileSize > 0 && c.Download.MinTileSize > c.Download.MaxTileSize {
		return fmt.Errorf("%w: min tile size exceeds max tile size", ErrInvalidConfig)
	}
	if c.Geofence.DwellSeconds <= 0 || c.Geofence.RecheckSeconds <= 0 {
		return fmt.Errorf("%w: geofence timings must be positive", ErrInvalidConfig)
	}
	switch c.Battery.Source {
	case BatterySourcePush, BatterySourceSysfs, BatterySourceNone:
	default:
		return fmt.Errorf("%w: unknown battery source %q", ErrInvalidConfig, c.Battery.Source)
	}
	if c.Battery.PollSeconds <= 0 {
		return fmt.Errorf("%w: battery poll interval must be positive", ErrInvalidConfig)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required when brokers are set", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}
	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// Load 在默认配置基础上读取 JSON 文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv 在默认配置基础上读取 FIELDOPS_* 环境变量
func LoadFromEnv() (*Config, error) {
	d := Default()
	cfg := &Config{
		Storage: StorageConfig{
			Driver:     getEnv("FIELDOPS_STORAGE_DRIVER", d.Storage.Driver),
			Path:       getEnv("FIELDOPS_STORAGE_PATH", d.Storage.Path),
			RegionsDir: getEnv("FIELDOPS_REGIONS_DIR", d.Storage.RegionsDir),
		},
		Cache: CacheConfig{
			QuotaMB:                getEnvInt("FIELDOPS_CACHE_QUOTA_MB", d.Cache.QuotaMB),
			TTLDays:                getEnvInt("FIELDOPS_CACHE_TTL_DAYS", d.Cache.TTLDays),
			CleanupIntervalMinutes: getEnvInt("FIELDOPS_CACHE_CLEANUP_MINUTES", d.Cache.CleanupIntervalMinutes),
		},
		Download: DownloadConfig{
			Workers:        getEnvInt("FIELDOPS_DOWNLOAD_WORKERS", d.Download.Workers),
			TimeoutSeconds: getEnvInt("FIELDOPS_DOWNLOAD_TIMEOUT", d.Download.TimeoutSeconds),
			Retries:        getEnvInt("FIELDOPS_DOWNLOAD_RETRIES", d.Download.Retries),
			RateLimit:      getEnvInt("FIELDOPS_DOWNLOAD_RATE", d.Download.RateLimit),
			UserAgent:      getEnv("FIELDOPS_USER_AGENT", d.Download.UserAgent),
			Referer:        getEnv("FIELDOPS_REFERER", d.Download.Referer),
			ProxyURL:       getEnv("FIELDOPS_PROXY_URL", d.Download.ProxyURL),
			UseHTTP2:       getEnvBool("FIELDOPS_HTTP2", d.Download.UseHTTP2),
			MinTileSize:    getEnvInt64("FIELDOPS_MIN_TILE_SIZE", d.Download.MinTileSize),
			MaxTileSize:    getEnvInt64("FIELDOPS_MAX_TILE_SIZE", d.Download.MaxTileSize),
		},
		Geofence: GeofenceConfig{
			DwellSeconds:   getEnvInt("FIELDOPS_DWELL_SECONDS", d.Geofence.DwellSeconds),
			RecheckSeconds: getEnvInt("FIELDOPS_RECHECK_SECONDS", d.Geofence.RecheckSeconds),
		},
		Battery: BatteryConfig{
			Source:      getEnv("FIELDOPS_BATTERY_SOURCE", d.Battery.Source),
			PollSeconds: getEnvInt("FIELDOPS_BATTERY_POLL_SECONDS", d.Battery.PollSeconds),
			SysfsRoot:   getEnv("FIELDOPS_BATTERY_SYSFS_ROOT", d.Battery.SysfsRoot),
		},
		Kafka: KafkaConfig{
			Brokers:  getEnvList("FIELDOPS_KAFKA_BROKERS"),
			Topic:    getEnv("FIELDOPS_KAFKA_TOPIC", d.Kafka.Topic),
			DeviceID: getEnv("FIELDOPS_DEVICE_ID", d.Kafka.DeviceID),
		},
		Server: ServerConfig{
			Host:           getEnv("FIELDOPS_HOST", d.Server.Host),
			Port:           getEnvInt("FIELDOPS_PORT", d.Server.Port),
			AllowedOrigins: d.Server.AllowedOrigins,
		},
		Log: LogConfig{
			Level: getEnv("FIELDOPS_LOG_LEVEL", d.Log.Level),
			JSON:  getEnvBool("FIELDOPS_LOG_JSON", d.Log.JSON),
		},
	}
	if origins := getEnvList("FIELDOPS_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.Server.AllowedOrigins = origins
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address 返回 HTTP 服务的 host:port
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) QuotaBytes() int64 {
	return int64(c.Cache.QuotaMB) * 1024 * 1024
}

func (c *Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cache.CleanupIntervalMinutes) * time.Minute
}

func (c *Config) TileTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

func (c *Config) DwellThreshold() time.Duration {
	return time.Duration(c.Geofence.DwellSeconds) * time.Second
}

func (c *Config) RecheckInterval() time.Duration {
	return time.Duration(c.Geofence.RecheckSeconds) * time.Second
}

func (c *Config) BatteryPollInterval() time.Duration {
	return time.Duration(c.Battery.PollSeconds) * time.Second
}

// HTTPClient 返回瓦片下载客户端配置
func (c *Config) HTTPClient() *client.Config {
	return &client.Config{
		Timeout:     c.TileTimeout(),
		ProxyURL:    c.Download.ProxyURL,
		UseHTTP2:    c.Download.UseHTTP2,
		KeepAlive:   true,
		UserAgent:   c.Download.UserAgent,
		Referer:     c.Download.Referer,
		MinTileSize: c.Download.MinTileSize,
		MaxTileSize: c.Download.MaxTileSize,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// getEnvList 按逗号拆分环境变量并去掉空项
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
