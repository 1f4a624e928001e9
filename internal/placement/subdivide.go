package placement

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/probe"
)

// Subdivider turns a cell and its influences into bricks and probe positions.
// The returned position slice holds probe.ProbesPerBrick entries per brick, in brick order.
type Subdivider interface {
	Subdivide(cell Volume, frame Frame, influences []InfluenceVolume) ([]probe.Brick, []mgl32.Vec3)
}

// AdaptiveSubdivider splits bricks 27 ways while they overlap geometry and are
// coarser than the finest level their probe volumes allow. Bricks outside every
// probe volume are dropped.
type AdaptiveSubdivider struct{}

// Subdivide implements Subdivider.
func (AdaptiveSubdivider) Subdivide(cell Volume, frame Frame, influences []InfluenceVolume) ([]probe.Brick, []mgl32.Vec3) {
	local := frame.ToLocal(cell.Corner)
	root := probe.Brick{
		Position: [3]int{
			int(math.Round(float64(local[0]))),
			int(math.Round(float64(local[1]))),
			int(math.Round(float64(local[2]))),
		},
		SubdivisionLevel: frame.MaxSubdivision,
	}

	var bricks []probe.Brick
	var split func(b probe.Brick)
	split = func(b probe.Brick) {
		bounds := brickBounds(frame, b)

		finest := -1
		geometry := false
		for _, inf := range influences {
			if !inf.Bounds.Intersects(bounds) {
				continue
			}
			switch inf.Kind {
			case InfluenceProbeVolume:
				level := finestLevel(frame.MaxSubdivision, inf.SubdivisionMultiplier)
				if finest < 0 || level < finest {
					finest = level
				}
			case InfluenceGeometry:
				geometry = true
			}
		}
		if finest < 0 {
			return
		}
		if !geometry || b.SubdivisionLevel <= finest {
			bricks = append(bricks, b)
			return
		}

		child := b.SubdivisionLevel - 1
		step := int(pow3(child))
		for z := 0; z < 3; z++ {
			for y := 0; y < 3; y++ {
				for x := 0; x < 3; x++ {
					split(probe.Brick{
						Position: [3]int{
							b.Position[0] + x*step,
							b.Position[1] + y*step,
							b.Position[2] + z*step,
						},
						SubdivisionLevel: child,
					})
				}
			}
		}
	}
	split(root)

	positions := make([]mgl32.Vec3, 0, len(bricks)*probe.ProbesPerBrick)
	for _, b := range bricks {
		positions = appendBrickProbes(positions, frame, b)
	}
	return bricks, positions
}

// finestLevel maps a probe volume multiplier to the lowest subdivision level it allows.
func finestLevel(maxSubdivision int, multiplier float32) int {
	multiplier = min(max(multiplier, 0), 1)
	return int(math.Round(float64(maxSubdivision) * float64(1-multiplier)))
}

func brickBounds(frame Frame, b probe.Brick) AABB {
	size := b.Size()
	v := Volume{
		Corner: mgl32.Vec3{float32(b.Position[0]), float32(b.Position[1]), float32(b.Position[2])},
		X:      mgl32.Vec3{size, 0, 0},
		Y:      mgl32.Vec3{0, size, 0},
		Z:      mgl32.Vec3{0, 0, size},
	}
	corners := v.Corners()
	for i := range corners {
		corners[i] = frame.ToWorld(corners[i])
	}
	return NewAABBFromPoints(corners[:]...)
}

// appendBrickProbes emits the 4x4x4 lattice of b, x fastest. Coordinates are built
// from integers in probe-spacing units so probes shared by neighbouring bricks or
// cells come out bit-identical.
func appendBrickProbes(dst []mgl32.Vec3, frame Frame, b probe.Brick) []mgl32.Vec3 {
	step := int(pow3(b.SubdivisionLevel))
	spacing := float32(1) / 3
	for z := 0; z < probe.ProbesPerAxis; z++ {
		for y := 0; y < probe.ProbesPerAxis; y++ {
			for x := 0; x < probe.ProbesPerAxis; x++ {
				thirds := mgl32.Vec3{
					float32(b.Position[0]*3 + x*step),
					float32(b.Position[1]*3 + y*step),
					float32(b.Position[2]*3 + z*step),
				}
				dst = append(dst, frame.ToWorld(thirds.Mul(spacing)))
			}
		}
	}
	return dst
}
