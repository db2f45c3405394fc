package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("fieldops", "debug", true, &buf)
	logger.Named("sampler").Debug("mode changed", "mode", "balanced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fieldops.sampler", entry["@module"])
	assert.Equal(t, "mode changed", entry["@message"])
	assert.Equal(t, "balanced", entry["mode"])
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("fieldops", "chatty", false, &buf)
	assert.Equal(t, hclog.Info, logger.GetLevel())

	logger.Debug("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("FIELDOPS_LOG_LEVEL", "")
	assert.Equal(t, "warn", LevelFromEnv("warn"))
	t.Setenv("FIELDOPS_LOG_LEVEL", "trace")
	assert.Equal(t, "trace", LevelFromEnv("warn"))
}
