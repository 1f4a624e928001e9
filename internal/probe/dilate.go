package probe

import (
	"cmp"
	"math"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
)

const sqrt2 = 1.41421356237

// DilationStats summarises one Dilate call.
type DilationStats struct {
	InvalidProbes int
	Repaired      int
	Isolated      int
}

// Add accumulates other into s.
func (s *DilationStats) Add(other DilationStats) {
	s.InvalidProbes += other.InvalidProbes
	s.Repaired += other.Repaired
	s.Isolated += other.Isolated
}

// Dilate replaces the SH of every invalid probe with the inverse-distance-squared
// weighted average of valid neighbours found in nearby bricks.
//
// A probe is invalid when its validity exceeds settings.ValidityThreshold. Probes
// without any candidate end up with an all-zero SH. Validity is never rewritten,
// so later passes can still tell original probes from repaired ones.
//
// Culling is quadratic in the brick count.
func Dilate(positions []mgl32.Vec3, bricks []Brick, sh []SHL2, validity []float32, settings DilationSettings) DilationStats {
	var stats DilationStats
	culled := make([]DilationProbe, 0, ProbesPerBrick)
	near := make([]DilationProbe, 0, max(settings.MaxSamples, 0))

	for brickIdx := range bricks {
		culled = CullDilationProbes(brickIdx, bricks, validity, settings, culled)

		for offset := 0; offset < ProbesPerBrick; offset++ {
			probeIdx := brickIdx*ProbesPerBrick + offset
			if validity[probeIdx] <= settings.ValidityThreshold {
				continue
			}
			stats.InvalidProbes++

			var invDistSum float32
			near, invDistSum = FindNearProbes(probeIdx, positions, settings, culled, near)

			var average SHL2
			for _, n := range near {
				weight := n.Dist / invDistSum
				target := &sh[n.Index]
				for c := 0; c < SHCoefficients; c++ {
					average[0][c] += target[0][c] * weight
					average[1][c] += target[1][c] * weight
					average[2][c] += target[2][c] * weight
				}
			}
			sh[probeIdx] = average

			if len(near) == 0 {
				stats.Isolated++
			} else {
				stats.Repaired++
			}
		}
	}
	return stats
}

// CullDilationProbes collects the valid probes of every brick close enough to
// bricks[brickIdx]. Brick centres are compared in minimum-brick units against
// sqrt(2)*(sizeA+sizeB), rounded up to a multiple of MaxSampleDistance/BrickSize.
// Candidates are appended to out[:0] in brick order with a zero distance.
func CullDilationProbes(brickIdx int, bricks []Brick, validity []float32, settings DilationSettings, out []DilationProbe) []DilationProbe {
	out = out[:0]
	current := bricks[brickIdx]
	currentSize := current.Size()
	currentCenter := current.Center()

	var interval float32
	if settings.BrickSize > 0 {
		interval = settings.MaxSampleDistance / settings.BrickSize
	}

	for otherIdx, other := range bricks {
		maxDistance := sqrt2*currentSize + sqrt2*other.Size()
		if interval > 0 {
			maxDistance = interval * float32(math.Ceil(float64(maxDistance/interval)))
		}

		if currentCenter.Sub(other.Center()).Len() > maxDistance {
			continue
		}
		for offset := 0; offset < ProbesPerBrick; offset++ {
			otherProbeIdx := otherIdx*ProbesPerBrick + offset
			if validity[otherProbeIdx] <= settings.ValidityThreshold {
				out = append(out, DilationProbe{Index: otherProbeIdx})
			}
		}
	}
	return out
}

// FindNearProbes selects up to MaxSamples candidates within MaxSampleDistance of
// positions[probeIdx]. Candidate distances are written back into culled, which is
// stable-sorted nearest first unless settings.Greedy is set. Each selected entry
// carries its weight 1/d² in Dist; the sum of weights is returned alongside.
func FindNearProbes(probeIdx int, positions []mgl32.Vec3, settings DilationSettings, culled, out []DilationProbe) ([]DilationProbe, float32) {
	out = out[:0]
	var invDistSum float32

	origin := positions[probeIdx]
	for i := range culled {
		culled[i].Dist = positions[culled[i].Index].Sub(origin).Len()
	}

	if !settings.Greedy {
		slices.SortStableFunc(culled, func(a, b DilationProbe) int {
			return cmp.Compare(a.Dist, b.Dist)
		})
	}

	for _, candidate := range culled {
		if len(out) >= settings.MaxSamples {
			break
		}
		if candidate.Dist > settings.MaxSampleDistance {
			continue
		}
		invDist := 1 / (candidate.Dist * candidate.Dist)
		invDistSum += invDist
		out = append(out, DilationProbe{Index: candidate.Index, Dist: invDist})
	}
	return out, invDistSum
}
