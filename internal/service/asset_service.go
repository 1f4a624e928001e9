package service

import (
	"fmt"

	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/cache"
	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/render"
	"go.uber.org/zap"
)

// AssetService serves stored assets and their previews through the cache.
type AssetService struct {
	store    *bakestore.Store
	cache    *cache.Manager
	renderer *render.PreviewRenderer
	session  *bake.Session
	logger   *zap.Logger
}

// NewAssetService creates an asset service. c and session may be nil.
func NewAssetService(store *bakestore.Store, c *cache.Manager, renderer *render.PreviewRenderer, session *bake.Session, logger *zap.Logger) *AssetService {
	return &AssetService{
		store:    store,
		cache:    c,
		renderer: renderer,
		session:  session,
		logger:   logging.OrNop(logger).Named("asset_service"),
	}
}

// List returns metadata of all stored assets.
func (s *AssetService) List() ([]*bakestore.AssetRecord, error) {
	return s.store.ListAssets()
}

// Get returns the decoded asset of a scene.
func (s *AssetService) Get(scene string) (*bake.Asset, error) {
	data, err := s.Blob(scene)
	if err != nil {
		return nil, err
	}
	return bakestore.DecodeAsset(data)
}

// Blob returns the encoded asset of a scene. Blobs are cached.
func (s *AssetService) Blob(scene string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.GetAsset(scene); ok {
			return data, nil
		}
	}

	data, _, err := s.store.GetAssetBlob(scene)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetAsset(scene, data); err != nil {
			s.logger.Debug("asset not cached", zap.String("scene", scene), zap.Error(err))
		}
	}
	return data, nil
}

// Preview renders a PNG of a scene's probes.
func (s *AssetService) Preview(scene string, opts render.SliceOptions) ([]byte, error) {
	mode, err := render.ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode

	params := map[string]interface{}{"thickness": opts.Thickness}
	if opts.Y != nil {
		params["y"] = *opts.Y
	}
	key := cache.PreviewKey(scene, string(mode), params)
	if s.cache != nil {
		if png, ok := s.cache.GetPreview(key); ok {
			return png, nil
		}
	}

	asset, err := s.Get(scene)
	if err != nil {
		return nil, err
	}
	png, err := s.renderer.RenderSlice(asset, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to render preview: %w", err)
	}
	if s.cache != nil {
		s.cache.SetPreview(key, png)
	}
	return png, nil
}

// Clear removes all baked lighting data: stored assets, cached copies and the
// cells held by the bake session. A pending bake is discarded.
func (s *AssetService) Clear() (int64, error) {
	if s.session != nil {
		s.session.Clear()
	}
	n, err := s.store.DeleteAssets()
	if err != nil {
		return 0, fmt.Errorf("failed to delete assets: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(); err != nil {
			s.logger.Warn("failed to invalidate cache", zap.Error(err))
		}
	}
	s.logger.Info("lighting data cleared", zap.Int64("assets", n))
	return n, nil
}
