package placement

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/probe"
)

var (
	// ErrNoReferenceVolume is returned when no enabled reference volume exists.
	ErrNoReferenceVolume = errors.New("placement: no enabled reference volume")
	// ErrInconsistentAuthoring is returned when enabled reference volumes disagree.
	ErrInconsistentAuthoring = errors.New("placement: reference volumes use different profiles or transforms")
)

// Profile holds the brick layout shared by all reference volumes of a bake.
type Profile struct {
	BrickSize      float32 `json:"brick_size" yaml:"brick_size"`
	MaxSubdivision int     `json:"max_subdivision" yaml:"max_subdivision"`
}

// CellSize returns BrickSize * 3^MaxSubdivision.
func (p Profile) CellSize() float32 {
	return p.BrickSize * pow3(p.MaxSubdivision)
}

// IsEquivalent reports whether two profiles produce the same layout.
func (p Profile) IsEquivalent(other Profile) bool {
	return p.BrickSize == other.BrickSize && p.MaxSubdivision == other.MaxSubdivision
}

// ReferenceVolume is the authoring component that anchors the probe grid of a scene.
type ReferenceVolume struct {
	Scene    string                 `json:"scene" yaml:"scene"`
	Position mgl32.Vec3             `json:"position" yaml:"position"`
	Rotation mgl32.Quat             `json:"rotation" yaml:"rotation"`
	Extent   mgl32.Vec3             `json:"extent" yaml:"extent"`
	Profile  Profile                `json:"profile" yaml:"profile"`
	Dilation probe.DilationSettings `json:"dilation" yaml:"dilation"`
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
}

// Frame returns the reference frame of the volume.
func (r *ReferenceVolume) Frame() Frame {
	rot := r.Rotation
	if rot == (mgl32.Quat{}) {
		rot = mgl32.QuatIdent()
	}
	return Frame{
		Position:       r.Position,
		Rotation:       rot,
		BrickSize:      r.Profile.BrickSize,
		MaxSubdivision: r.Profile.MaxSubdivision,
	}
}

// CellCounts returns ceil(extent/cellSize) per axis. The grid spans
// [-count, count) cells on each axis.
func (r *ReferenceVolume) CellCounts() [3]int {
	cellSize := r.Profile.CellSize()
	var out [3]int
	for i := 0; i < 3; i++ {
		out[i] = int(ceil32(r.Extent[i] / cellSize))
	}
	return out
}

// Validate checks the profile for values that would produce no grid.
func (r *ReferenceVolume) Validate() error {
	if r.Profile.BrickSize <= 0 {
		return fmt.Errorf("placement: reference volume in %q: brick size must be positive", r.Scene)
	}
	if r.Profile.MaxSubdivision < 0 {
		return fmt.Errorf("placement: reference volume in %q: negative max subdivision", r.Scene)
	}
	return nil
}

// CardinalReferenceVolume picks the reference volume that drives a bake.
// All enabled volumes must share position, extent and profile.
func CardinalReferenceVolume(vols []*ReferenceVolume) (*ReferenceVolume, error) {
	var enabled []*ReferenceVolume
	for _, v := range vols {
		if v != nil && v.Enabled {
			enabled = append(enabled, v)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoReferenceVolume
	}

	reference := enabled[0]
	if err := reference.Validate(); err != nil {
		return nil, err
	}
	for _, other := range enabled[1:] {
		if !reference.Position.ApproxEqual(other.Position) {
			return nil, fmt.Errorf("%w: %q and %q differ in position", ErrInconsistentAuthoring, reference.Scene, other.Scene)
		}
		if !reference.Extent.ApproxEqual(other.Extent) {
			return nil, fmt.Errorf("%w: %q and %q differ in extent", ErrInconsistentAuthoring, reference.Scene, other.Scene)
		}
		if !reference.Profile.IsEquivalent(other.Profile) {
			return nil, fmt.Errorf("%w: %q and %q differ in profile", ErrInconsistentAuthoring, reference.Scene, other.Scene)
		}
	}
	return reference, nil
}

// ReferenceVolumesByScene maps every scene with an enabled reference volume to it.
func ReferenceVolumesByScene(scenes []Scene) map[string]*ReferenceVolume {
	out := make(map[string]*ReferenceVolume)
	for i := range scenes {
		if rv := scenes[i].ReferenceVolume; rv != nil && rv.Enabled {
			out[scenes[i].Name] = rv
		}
	}
	return out
}

func ceil32(v float32) float32 {
	return float32(math.Ceil(float64(v)))
}
