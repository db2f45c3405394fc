package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(500*1024*1024), cfg.QuotaBytes())
	assert.Equal(t, 30*24*time.Hour, cfg.TTL())
	assert.Equal(t, time.Hour, cfg.CleanupInterval())
	assert.Equal(t, 60*time.Second, cfg.DwellThreshold())
	assert.Equal(t, 15*time.Second, cfg.RecheckInterval())
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"missing path", func(c *Config) { c.Storage.Path = "" }},
		{"zero quota", func(c *Config) { c.Cache.QuotaMB = 0 }},
		{"unknown layer", func(c *Config) { c.Cache.Layers = map[string]string{"hybrid": "http://x/{z}/{x}/{y}"} }},
		{"empty layer template", func(c *Config) { c.Cache.Layers = map[string]string{"terrain": ""} }},
		{"zero workers", func(c *Config) { c.Download.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Download.Retries = -1 }},
		{"tile size inverted", func(c *Config) { c.Download.MinTileSize = c.Download.MaxTileSize + 1 }},
		{"unknown battery source", func(c *Config) { c.Battery.Source = "acpi" }},
		{"zero dwell", func(c *Config) { c.Geofence.DwellSeconds = 0 }},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLayerOverridesAreAccepted(t *testing.T) {
	cfg := Default()
	cfg.Cache.Layers = map[string]string{"standard": "http://tiles.local/{z}/{x}/{y}.png"}
	assert.NoError(t, cfg.Validate())
}

func TestMemoryDriverNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = DriverMemory
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldops.json")
	body := `{
		"storage": {"driver": "memory"},
		"cache": {"quota_mb": 64},
		"kafka": {"brokers": ["broker-1:9092"], "topic": "ops"},
		"log": {"level": "debug", "json": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, int64(64*1024*1024), cfg.QuotaBytes())
	assert.Equal(t, []string{"broker-1:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Log.JSON)
	// 未设置的部分保持默认值
	assert.Equal(t, 30, cfg.Cache.TTLDays)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FIELDOPS_STORAGE_DRIVER", "sqlite3")
	t.Setenv("FIELDOPS_STORAGE_PATH", "/data/ops.db")
	t.Setenv("FIELDOPS_DOWNLOAD_WORKERS", "8")
	t.Setenv("FIELDOPS_HTTP2", "false")
	t.Setenv("FIELDOPS_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("FIELDOPS_ALLOWED_ORIGINS", "https://ops.example.org")
	t.Setenv("FIELDOPS_PORT", "not-a-number")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, "/data/ops.db", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Download.Workers)
	assert.False(t, cfg.Download.UseHTTP2)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"https://ops.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 8080, cfg.Server.Port)

	hc := cfg.HTTPClient()
	assert.Equal(t, 30*time.Second, hc.Timeout)
	assert.False(t, hc.UseHTTP2)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("FIELDOPS_CACHE_QUOTA_MB", "-5")
	_, err := LoadFromEnv()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
