package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/probebake/server/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	cfg := loadFromString(t, `
server:
  port: 9000
store:
  path: /var/lib/probebake/bake.db
bake:
  baker_latency_ms: 250
  dilation:
    validity_threshold: 0.5
    max_samples: 8
    max_sample_distance: 2
    brick_size: 1
log:
  level: debug
`)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DefaultConfig().Server.CORSOrigins, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/probebake/bake.db", cfg.Store.Path)
	assert.Equal(t, 7, cfg.Store.JobRetentionDays)
	assert.Equal(t, 256, cfg.Cache.AssetSizeMB)
	assert.Equal(t, 250*time.Millisecond, cfg.Bake.BakerLatency())
	assert.Equal(t, probe.DilationSettings{
		ValidityThreshold: 0.5,
		MaxSamples:        8,
		MaxSampleDistance: 2,
		BrickSize:         1,
	}, cfg.Bake.Dilation)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_PartialDilationGetsFieldDefaults(t *testing.T) {
	cfg := loadFromString(t, `
bake:
  dilation:
    greedy: true
    max_samples: 4
`)

	want := probe.DefaultDilationSettings()
	want.Greedy = true
	want.MaxSamples = 4
	assert.Equal(t, want, cfg.Bake.Dilation)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultConfig_Dilation(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 1\n")
	assert.Equal(t, probe.DefaultDilationSettings(), cfg.Bake.Dilation)
	assert.Equal(t, "viridis", cfg.Bake.Colormap)
}
