// Package config handles configuration loading for the probe bake server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/probe"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig   `yaml:"server"`
	Store  StoreConfig    `yaml:"store"`
	Cache  CacheConfig    `yaml:"cache"`
	Bake   BakeConfig     `yaml:"bake"`
	Log    logging.Config `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	Path               string `yaml:"path"`
	JobRetentionDays   int    `yaml:"job_retention_days"`
	CleanupIntervalMin int    `yaml:"cleanup_interval_minutes"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	AssetSizeMB     int `yaml:"asset_size_mb"`
	AssetTTLMinutes int `yaml:"asset_ttl_minutes"`
	PreviewEntries  int `yaml:"preview_entries"`
}

// BakeConfig contains bake job and baker settings.
type BakeConfig struct {
	QueueSize      int `yaml:"queue_size"`
	BakerLatencyMs int `yaml:"baker_latency_ms"`
	// IgnoreRenderers stops the stand-in baker from invalidating probes inside renderers.
	IgnoreRenderers bool `yaml:"ignore_renderers"`
	// Dilation fills the unset fields of each reference volume's dilation settings.
	Dilation    probe.DilationSettings `yaml:"dilation"`
	PreviewSize int                    `yaml:"preview_size"`
	Colormap    string                 `yaml:"colormap"`
}

// BakerLatency returns the configured stand-in baker latency.
func (b BakeConfig) BakerLatency() time.Duration {
	return time.Duration(b.BakerLatencyMs) * time.Millisecond
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			Path:               "./data/probebake.db",
			JobRetentionDays:   7,
			CleanupIntervalMin: 60,
		},
		Cache: CacheConfig{
			AssetSizeMB:     256,
			AssetTTLMinutes: 10,
			PreviewEntries:  256,
		},
		Bake: BakeConfig{
			QueueSize:   16,
			Dilation:    probe.DefaultDilationSettings(),
			PreviewSize: 512,
			Colormap:    "viridis",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Store.JobRetentionDays == 0 {
		cfg.Store.JobRetentionDays = defaults.Store.JobRetentionDays
	}
	if cfg.Store.CleanupIntervalMin == 0 {
		cfg.Store.CleanupIntervalMin = defaults.Store.CleanupIntervalMin
	}
	if cfg.Cache.AssetSizeMB == 0 {
		cfg.Cache.AssetSizeMB = defaults.Cache.AssetSizeMB
	}
	if cfg.Cache.AssetTTLMinutes == 0 {
		cfg.Cache.AssetTTLMinutes = defaults.Cache.AssetTTLMinutes
	}
	if cfg.Cache.PreviewEntries == 0 {
		cfg.Cache.PreviewEntries = defaults.Cache.PreviewEntries
	}
	if cfg.Bake.QueueSize == 0 {
		cfg.Bake.QueueSize = defaults.Bake.QueueSize
	}
	cfg.Bake.Dilation = cfg.Bake.Dilation.WithDefaults(defaults.Bake.Dilation)
	if cfg.Bake.PreviewSize == 0 {
		cfg.Bake.PreviewSize = defaults.Bake.PreviewSize
	}
	if cfg.Bake.Colormap == "" {
		cfg.Bake.Colormap = defaults.Bake.Colormap
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}
