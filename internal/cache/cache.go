// Package cache provides caching for encoded probe assets and rendered previews.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	AssetCacheSizeMB int
	AssetTTL         time.Duration
	PreviewCacheSize int
}

// Manager manages the asset blob cache and the preview cache.
type Manager struct {
	assetCache   *bigcache.BigCache
	previewCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AssetTTL <= 0 {
		cfg.AssetTTL = 10 * time.Minute
	}
	if cfg.AssetCacheSizeMB <= 0 {
		cfg.AssetCacheSizeMB = 256
	}
	if cfg.PreviewCacheSize <= 0 {
		cfg.PreviewCacheSize = 256
	}

	// Assets are few and large, so use few shards to keep each shard able to hold one.
	assetCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.AssetTTL,
		CleanWindow:        cfg.AssetTTL / 2,
		MaxEntriesInWindow: 256,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.AssetCacheSizeMB,
		Verbose:            false,
	}

	assetCache, err := bigcache.New(context.Background(), assetCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset cache: %w", err)
	}

	previewCache, err := lru.New[string, []byte](cfg.PreviewCacheSize)
	if err != nil {
		assetCache.Close()
		return nil, fmt.Errorf("failed to create preview cache: %w", err)
	}

	return &Manager{
		assetCache:   assetCache,
		previewCache: previewCache,
	}, nil
}

// GetAsset retrieves an encoded asset from cache.
func (m *Manager) GetAsset(scene string) ([]byte, bool) {
	data, err := m.assetCache.Get(AssetKey(scene))
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetAsset stores an encoded asset in cache.
func (m *Manager) SetAsset(scene string, data []byte) error {
	return m.assetCache.Set(AssetKey(scene), data)
}

// GetPreview retrieves a rendered preview from cache.
func (m *Manager) GetPreview(key string) ([]byte, bool) {
	return m.previewCache.Get(key)
}

// SetPreview stores a rendered preview in cache.
func (m *Manager) SetPreview(key string, data []byte) {
	m.previewCache.Add(key, data)
}

// Invalidate drops every cached asset and preview. It is called whenever the
// stored lighting data changes.
func (m *Manager) Invalidate() error {
	m.previewCache.Purge()
	return m.assetCache.Reset()
}

// AssetKey generates a cache key for a scene's asset.
func AssetKey(scene string) string {
	return "asset:" + scene
}

// PreviewKey generates a cache key for a preview of scene rendered with params.
func PreviewKey(scene, mode string, params map[string]interface{}) string {
	base := fmt.Sprintf("preview:%s:%s", scene, mode)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%v;", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"asset_cache_len":   m.assetCache.Len(),
		"asset_cache_cap":   m.assetCache.Capacity(),
		"preview_cache_len": m.previewCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.assetCache.Close()
}
