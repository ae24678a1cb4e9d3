package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws", cfg.Transport)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Minute, cfg.BucketInterval)
	assert.Equal(t, 1000, cfg.MaxDataPoints)
	assert.Equal(t, 5000, cfg.CompressionThreshold)
	assert.Equal(t, 50, cfg.ViewportBuffer)
	assert.Equal(t, 300*time.Millisecond, cfg.AnimationDuration)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chartpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport: redis
symbols: "aapl, msft,AAPL"
bucket_interval: 5m
late_tolerance: 10s
max_data_points: 400
auto_optimize: true
`), 0o644))

	t.Setenv("MAX_DATA_POINTS", "250")
	t.Setenv("RECONNECT_MAX", "nonsense")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Transport)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.ParseSymbols())
	assert.Equal(t, 5*time.Minute, cfg.BucketInterval)
	assert.Equal(t, 10*time.Second, cfg.LateTolerance)
	assert.True(t, cfg.AutoOptimize)
	assert.Equal(t, 250, cfg.MaxDataPoints, "env overrides file")
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax, "invalid env keeps the previous value")
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_data_points: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Transport = "carrier-pigeon"
	cfg.LateTolerance = 2 * time.Minute
	cfg.Symbols = " , "
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "late_tolerance")
	assert.Contains(t, err.Error(), "symbol")
}
