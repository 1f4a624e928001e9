// Package probe holds the probe-volume data model and the numerical kernels that
// run on baked probe data: the SH2 storage codec, the unique-probe table and dilation.
package probe

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ProbesPerBrick is the number of probes in a brick (a 4x4x4 lattice).
const ProbesPerBrick = 64

// ProbesPerAxis is the lattice resolution of a brick along one axis.
const ProbesPerAxis = 4

var (
	// ErrCellShape indicates a cell whose bricks and probe arrays disagree.
	ErrCellShape = errors.New("probe: inconsistent cell shape")
)

// Brick is a cubic region of probes at one subdivision level.
// Position is the brick corner in minimum-brick units.
type Brick struct {
	Position         [3]int `json:"position"`
	SubdivisionLevel int    `json:"subdivision_level"`
}

// Size returns the brick edge length in minimum-brick units (3^level).
func (b Brick) Size() float32 {
	return float32(math.Pow(3, float64(b.SubdivisionLevel)))
}

// Center returns the brick centre in minimum-brick units.
func (b Brick) Center() mgl32.Vec3 {
	half := b.Size() / 2
	return mgl32.Vec3{
		float32(b.Position[0]) + half,
		float32(b.Position[1]) + half,
		float32(b.Position[2]) + half,
	}
}

// Cell is one grid partition of the baking volume.
type Cell struct {
	Index          int          `json:"index"`
	Position       [3]int       `json:"position"`
	Bricks         []Brick      `json:"bricks"`
	ProbePositions []mgl32.Vec3 `json:"probe_positions"`
	SH             []SHL2       `json:"-"`
	Validity       []float32    `json:"-"`
}

// Empty reports whether partitioning produced no probes for the cell.
func (c *Cell) Empty() bool {
	return len(c.ProbePositions) == 0
}

// Baked reports whether SH and validity have been populated.
func (c *Cell) Baked() bool {
	return len(c.SH) > 0
}

// Validate checks the structural invariants of a cell.
func (c *Cell) Validate() error {
	if (len(c.Bricks) == 0) != (len(c.ProbePositions) == 0) {
		return fmt.Errorf("%w: cell %d has %d bricks and %d probes",
			ErrCellShape, c.Index, len(c.Bricks), len(c.ProbePositions))
	}
	if len(c.ProbePositions) != len(c.Bricks)*ProbesPerBrick {
		return fmt.Errorf("%w: cell %d has %d probes for %d bricks",
			ErrCellShape, c.Index, len(c.ProbePositions), len(c.Bricks))
	}
	if c.Baked() && (len(c.SH) != len(c.ProbePositions) || len(c.Validity) != len(c.ProbePositions)) {
		return fmt.Errorf("%w: cell %d has %d SH and %d validity values for %d probes",
			ErrCellShape, c.Index, len(c.SH), len(c.Validity), len(c.ProbePositions))
	}
	return nil
}

// DilationSettings configures invalid-probe repair for one bake.
type DilationSettings struct {
	ValidityThreshold float32 `yaml:"validity_threshold" json:"validity_threshold"`
	MaxSamples        int     `yaml:"max_samples" json:"max_samples"`
	MaxSampleDistance float32 `yaml:"max_sample_distance" json:"max_sample_distance"`
	BrickSize         float32 `yaml:"brick_size" json:"brick_size"`
	Greedy            bool    `yaml:"greedy" json:"greedy"`
}

// DefaultDilationSettings returns the authoring defaults.
func DefaultDilationSettings() DilationSettings {
	return DilationSettings{
		ValidityThreshold: 0.25,
		MaxSamples:        16,
		MaxSampleDistance: 1,
		BrickSize:         1,
		Greedy:            false,
	}
}

// WithDefaults returns s with every zero numeric field taken from d.
// Greedy is kept as set.
func (s DilationSettings) WithDefaults(d DilationSettings) DilationSettings {
	if s.ValidityThreshold == 0 {
		s.ValidityThreshold = d.ValidityThreshold
	}
	if s.MaxSamples == 0 {
		s.MaxSamples = d.MaxSamples
	}
	if s.MaxSampleDistance == 0 {
		s.MaxSampleDistance = d.MaxSampleDistance
	}
	if s.BrickSize == 0 {
		s.BrickSize = d.BrickSize
	}
	return s
}

// DilationProbe pairs a probe index with a distance or weight during neighbour search.
type DilationProbe struct {
	Index int
	Dist  float32
}
