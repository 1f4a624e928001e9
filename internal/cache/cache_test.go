package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{AssetCacheSizeMB: 16, AssetTTL: time.Minute, PreviewCacheSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPreviewKey(t *testing.T) {
	base := "preview:hall:validity"

	t.Run("noParams", func(t *testing.T) {
		assert.Equal(t, base, PreviewKey("hall", "validity", nil))
	})

	t.Run("stableOrder", func(t *testing.T) {
		params := map[string]interface{}{"y": 1.5, "size": 512, "cells": "all"}
		key1 := PreviewKey("hall", "validity", params)
		key2 := PreviewKey("hall", "validity", map[string]interface{}{"cells": "all", "size": 512, "y": 1.5})
		assert.Equal(t, key1, key2)
		assert.NotEqual(t, base, key1)
	})

	t.Run("paramsMatter", func(t *testing.T) {
		a := PreviewKey("hall", "l0", map[string]interface{}{"y": 1.0})
		b := PreviewKey("hall", "l0", map[string]interface{}{"y": 2.0})
		assert.NotEqual(t, a, b)
	})
}

func TestManager_Assets(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.GetAsset("hall")
	assert.False(t, ok)

	require.NoError(t, m.SetAsset("hall", []byte{1, 2, 3}))
	got, ok := m.GetAsset("hall")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	m.SetPreview("p", []byte("png"))
	require.NoError(t, m.Invalidate())
	_, ok = m.GetAsset("hall")
	assert.False(t, ok)
	_, ok = m.GetPreview("p")
	assert.False(t, ok)
}

func TestManager_PreviewEviction(t *testing.T) {
	m := newTestManager(t)
	m.SetPreview("a", []byte("a"))
	m.SetPreview("b", []byte("b"))
	m.SetPreview("c", []byte("c"))

	_, ok := m.GetPreview("a")
	assert.False(t, ok, "least recently used preview is evicted")
	got, ok := m.GetPreview("c")
	require.True(t, ok)
	assert.Equal(t, []byte("c"), got)
	assert.Equal(t, 2, m.Stats()["preview_cache_len"])
}
