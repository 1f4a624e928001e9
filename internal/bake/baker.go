// Package bake coordinates baking batches: it submits deduplicated probe positions
// to an external baker, decodes and dilates the results, and groups baked cells
// into per-scene assets.
package bake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
)

// OctahedralDepthSamples is the size of the per-probe depth block returned by bakers.
const OctahedralDepthSamples = 64

// Result is the baker output for one batch. SH, Validity and OctahedralDepth are
// indexed by unique probe index (OctahedralDepth in blocks of OctahedralDepthSamples).
type Result struct {
	BatchID         int
	SH              []probe.SHL2
	Validity        []float32
	OctahedralDepth []float32
	Err             error
}

// Baker is the external irradiance baker.
//
// Submit must return immediately. The returned channel delivers exactly one
// Result and is then closed. Release drops any baker-side state for the batch.
type Baker interface {
	Submit(ctx context.Context, batchID int, positions []mgl32.Vec3) (<-chan Result, error)
	Release(batchID int)
}

// AmbientBakerConfig configures the stand-in baker.
type AmbientBakerConfig struct {
	Latency      time.Duration
	SkyColor     mgl32.Vec3
	GroundColor  mgl32.Vec3
	SunColor     mgl32.Vec3
	SunDirection mgl32.Vec3
	// Occluders mark probes inside them as invalid.
	Occluders []placement.AABB
	// OccludeRenderers adds the renderer bounds of loaded scenes to Occluders.
	OccludeRenderers bool
}

// SceneLoader is implemented by bakers that read the scenes of a bake before
// its batch is submitted.
type SceneLoader interface {
	LoadScenes(scenes []placement.Scene)
}

// DefaultAmbientBakerConfig returns a pale-blue sky over a dark ground with a warm sun.
func DefaultAmbientBakerConfig() AmbientBakerConfig {
	return AmbientBakerConfig{
		SkyColor:     mgl32.Vec3{0.55, 0.7, 0.9},
		GroundColor:  mgl32.Vec3{0.2, 0.18, 0.15},
		SunColor:     mgl32.Vec3{1, 0.9, 0.7},
		SunDirection: mgl32.Vec3{0.3, 0.8, 0.5},
	}
}

// AmbientBaker evaluates a sky gradient and a sun lobe in SH2 at every probe.
// It is a deterministic substitute for a real light-transport baker.
type AmbientBaker struct {
	cfg AmbientBakerConfig

	mu             sync.Mutex
	pending        map[int]context.CancelFunc
	sceneOccluders []placement.AABB
}

// NewAmbientBaker creates a stand-in baker.
func NewAmbientBaker(cfg AmbientBakerConfig) *AmbientBaker {
	if cfg.SunDirection.Len() == 0 {
		cfg.SunDirection = mgl32.Vec3{0, 1, 0}
	}
	cfg.SunDirection = cfg.SunDirection.Normalize()
	return &AmbientBaker{cfg: cfg, pending: make(map[int]context.CancelFunc)}
}

// OccludersFromScenes collects every renderer bounds as an occluder.
func OccludersFromScenes(scenes []placement.Scene) []placement.AABB {
	var out []placement.AABB
	for _, s := range scenes {
		for _, r := range s.Renderers {
			out = append(out, r.Bounds)
		}
	}
	return out
}

// LoadScenes implements SceneLoader.
func (b *AmbientBaker) LoadScenes(scenes []placement.Scene) {
	if !b.cfg.OccludeRenderers {
		return
	}
	b.mu.Lock()
	b.sceneOccluders = OccludersFromScenes(scenes)
	b.mu.Unlock()
}

// Submit implements Baker.
func (b *AmbientBaker) Submit(ctx context.Context, batchID int, positions []mgl32.Vec3) (<-chan Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if prev, ok := b.pending[batchID]; ok {
		prev()
	}
	b.pending[batchID] = cancel
	occluders := append(append([]placement.AABB(nil), b.cfg.Occluders...), b.sceneOccluders...)
	b.mu.Unlock()

	snapshot := append([]mgl32.Vec3(nil), positions...)
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		if b.cfg.Latency > 0 {
			timer := time.NewTimer(b.cfg.Latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				out <- Result{BatchID: batchID, Err: ctx.Err()}
				return
			case <-timer.C:
			}
		}
		out <- b.evaluate(batchID, snapshot, occluders)
	}()
	return out, nil
}

// Release implements Baker.
func (b *AmbientBaker) Release(batchID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.pending[batchID]; ok {
		cancel()
		delete(b.pending, batchID)
	}
}

// Pending reports whether batchID has been submitted and not released.
func (b *AmbientBaker) Pending(batchID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[batchID]
	return ok
}

func (b *AmbientBaker) evaluate(batchID int, positions []mgl32.Vec3, occluders []placement.AABB) Result {
	res := Result{
		BatchID:         batchID,
		SH:              make([]probe.SHL2, len(positions)),
		Validity:        make([]float32, len(positions)),
		OctahedralDepth: make([]float32, len(positions)*OctahedralDepthSamples),
	}
	for i, p := range positions {
		res.SH[i] = b.radiance(p)
		for _, occ := range occluders {
			if occ.Contains(p) {
				res.Validity[i] = 1
				break
			}
		}
		depth := res.OctahedralDepth[i*OctahedralDepthSamples : (i+1)*OctahedralDepthSamples]
		for j := range depth {
			depth[j] = p.Len()
		}
	}
	return res
}

// radiance projects the sky and sun into SH2, attenuated with distance from the origin.
// Coefficient order is (L0, y, z, x, xy, yz, 3z²-1, xz, x²-y²).
func (b *AmbientBaker) radiance(p mgl32.Vec3) probe.SHL2 {
	falloff := float32(1 / (1 + 0.01*math.Sqrt(float64(p.Dot(p)))))
	d := b.cfg.SunDirection

	var sh probe.SHL2
	for rgb := 0; rgb < 3; rgb++ {
		sky, ground, sun := b.cfg.SkyColor[rgb], b.cfg.GroundColor[rgb], b.cfg.SunColor[rgb]
		sunL1 := 0.25 * sun
		sunL2 := 0.1 * sun

		sh[rgb][0] = 0.5*(sky+ground) + 0.25*sun
		sh[rgb][1] = 0.5*(sky-ground) + sunL1*d[1]
		sh[rgb][2] = sunL1 * d[2]
		sh[rgb][3] = sunL1 * d[0]
		sh[rgb][4] = sunL2 * d[0] * d[1]
		sh[rgb][5] = sunL2 * d[1] * d[2]
		sh[rgb][6] = sunL2 * (3*d[2]*d[2] - 1) * 0.5
		sh[rgb][7] = sunL2 * d[0] * d[2]
		sh[rgb][8] = sunL2 * (d[0]*d[0] - d[1]*d[1]) * 0.5
		for c := range sh[rgb] {
			sh[rgb][c] *= falloff
		}
	}
	return sh
}
