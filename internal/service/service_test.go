package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/cache"
	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
	"github.com/probebake/server/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() bakestore.BakeRequest {
	return bakestore.BakeRequest{Scenes: []placement.Scene{{
		Name: "hall",
		ProbeVolumes: []placement.ProbeVolume{{
			Bounds: placement.AABB{Min: mgl32.Vec3{-2, -2, -2}, Max: mgl32.Vec3{2, 2, 2}},
		}},
		ReferenceVolume: &placement.ReferenceVolume{
			Scene:   "hall",
			Extent:  mgl32.Vec3{3, 3, 3},
			Profile: placement.Profile{BrickSize: 1, MaxSubdivision: 1},
			Enabled: true,
		},
	}}}
}

type fixture struct {
	store  *bakestore.Store
	cache  *cache.Manager
	bakes  *BakeService
	assets *AssetService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := bakestore.NewStore(filepath.Join(t.TempDir(), "bake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := cache.NewManager(cache.Config{AssetCacheSizeMB: 16, AssetTTL: time.Minute, PreviewCacheSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	pipeline := bake.NewPipeline(bake.NewAmbientBaker(bake.DefaultAmbientBakerConfig()), nil, nil)
	bakes := NewBakeService(pipeline, c, probe.DefaultDilationSettings(), nil)
	assets := NewAssetService(store, c, render.NewPreviewRenderer(render.Config{Size: 32}), bakes.Session(), nil)
	return &fixture{store: store, cache: c, bakes: bakes, assets: assets}
}

func TestValidateRequest(t *testing.T) {
	req := bakestore.BakeRequest{}
	require.ErrorIs(t, ValidateRequest(&req), ErrNoScenes)

	req = testRequest()
	require.NoError(t, ValidateRequest(&req))

	req.Scenes[0].ReferenceVolume.Enabled = false
	require.ErrorIs(t, ValidateRequest(&req), placement.ErrNoReferenceVolume)
}

func TestApplyDilationDefaults(t *testing.T) {
	req := testRequest()
	custom := probe.DilationSettings{ValidityThreshold: 0.9, MaxSamples: 2, MaxSampleDistance: 5, BrickSize: 1}
	req.Scenes = append(req.Scenes, placement.Scene{
		Name:            "yard",
		ReferenceVolume: &placement.ReferenceVolume{Dilation: custom},
	})

	ApplyDilationDefaults(&req, probe.DefaultDilationSettings())
	assert.Equal(t, probe.DefaultDilationSettings(), req.Scenes[0].ReferenceVolume.Dilation)
	assert.Equal(t, custom, req.Scenes[1].ReferenceVolume.Dilation)
}

func TestApplyDilationDefaults_PartialSettings(t *testing.T) {
	req := testRequest()
	req.Scenes[0].ReferenceVolume.Dilation = probe.DilationSettings{Greedy: true}
	req.Scenes = append(req.Scenes, placement.Scene{
		Name:            "yard",
		ReferenceVolume: &placement.ReferenceVolume{Dilation: probe.DilationSettings{MaxSamples: 4}},
	})

	defaults := probe.DefaultDilationSettings()
	ApplyDilationDefaults(&req, defaults)

	greedy := defaults
	greedy.Greedy = true
	assert.Equal(t, greedy, req.Scenes[0].ReferenceVolume.Dilation)

	capped := defaults
	capped.MaxSamples = 4
	assert.Equal(t, capped, req.Scenes[1].ReferenceVolume.Dilation)
}

func TestPublish_AfterClearKeepsAssetsCleared(t *testing.T) {
	f := newFixture(t)
	req := testRequest()
	report, err := f.bakes.Bake(context.Background(), &req, nil)
	require.NoError(t, err)
	require.Len(t, report.Assets, 1)

	_, err = f.assets.Clear()
	require.NoError(t, err)

	err = f.bakes.Publish(f.store, "late", report)
	require.ErrorIs(t, err, bake.ErrBatchDiscarded)
	records, err := f.assets.List()
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = f.assets.Get("hall")
	require.ErrorIs(t, err, bakestore.ErrNotFound)
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	req := testRequest()
	report, err := f.bakes.Bake(context.Background(), &req, nil)
	require.NoError(t, err)

	require.NoError(t, f.bakes.Publish(f.store, "cli", report))
	records, err := f.assets.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hall", records[0].Scene)
}

func TestExecuteBakeJob(t *testing.T) {
	f := newFixture(t)
	job := &bakestore.BakeJob{ID: "j1", Status: bakestore.JobStatusQueued, Request: testRequest(), CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateJob(job))

	require.NoError(t, f.bakes.ExecuteBakeJob(context.Background(), f.store, "j1"))

	got, err := f.store.GetJob("j1")
	require.NoError(t, err)
	require.NotNil(t, got.Report)
	assert.Equal(t, 8, got.Report.Cells)
	assert.Equal(t, "done", got.Progress.Phase)
	assert.Equal(t, 1.0, got.Progress.Fraction)

	records, err := f.assets.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hall", records[0].Scene)
	assert.Equal(t, 8*probe.ProbesPerBrick, records[0].Probes)

	asset, err := f.assets.Get("hall")
	require.NoError(t, err)
	assert.Len(t, asset.Cells, 8)
	_, cached := f.cache.GetAsset("hall")
	assert.True(t, cached)

	png, err := f.assets.Preview("hall", render.SliceOptions{Mode: render.ModeL0})
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	again, err := f.assets.Preview("hall", render.SliceOptions{Mode: render.ModeL0})
	require.NoError(t, err)
	assert.Equal(t, png, again)

	_, err = f.assets.Preview("hall", render.SliceOptions{Mode: "albedo"})
	require.ErrorIs(t, err, render.ErrUnknownMode)

	n, err := f.assets.Clear()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, f.bakes.Session().Cells())
	_, err = f.assets.Get("hall")
	require.ErrorIs(t, err, bakestore.ErrNotFound)
}

func TestExecuteBakeJob_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := testRequest()
	req.Scenes[0].ReferenceVolume.Profile.BrickSize = 0
	require.NoError(t, f.store.CreateJob(&bakestore.BakeJob{ID: "bad", Status: bakestore.JobStatusQueued, Request: req, CreatedAt: time.Now()}))

	err := f.bakes.ExecuteBakeJob(context.Background(), f.store, "bad")
	require.Error(t, err)

	records, err := f.assets.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}
