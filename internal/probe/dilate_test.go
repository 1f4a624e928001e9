package probe

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	valid   = float32(0)
	invalid = float32(1)
)

// lineBrick builds one level-0 brick whose probes sit on a 4x4x4 lattice with unit
// spacing, every probe invalid. Probes 0..3 run along +X.
func lineBrick() ([]mgl32.Vec3, []Brick, []SHL2, []float32) {
	positions := make([]mgl32.Vec3, ProbesPerBrick)
	for i := range positions {
		x := i % ProbesPerAxis
		y := (i / ProbesPerAxis) % ProbesPerAxis
		z := i / (ProbesPerAxis * ProbesPerAxis)
		positions[i] = mgl32.Vec3{float32(x), float32(y), float32(z)}
	}
	sh := make([]SHL2, ProbesPerBrick)
	validity := make([]float32, ProbesPerBrick)
	for i := range validity {
		validity[i] = invalid
		sh[i] = flatSH(float32(100 + i))
	}
	return positions, []Brick{{}}, sh, validity
}

func flatSH(v float32) SHL2 {
	var sh SHL2
	for rgb := 0; rgb < 3; rgb++ {
		for c := 0; c < SHCoefficients; c++ {
			sh[rgb][c] = v
		}
	}
	return sh
}

func testSettings() DilationSettings {
	return DilationSettings{
		ValidityThreshold: 0.5,
		MaxSamples:        8,
		MaxSampleDistance: 3,
		BrickSize:         1,
	}
}

func TestDilate_WeightedAverage(t *testing.T) {
	positions, bricks, sh, validity := lineBrick()
	validity[1] = valid
	validity[2] = valid
	sh[1] = flatSH(2)
	sh[2] = flatSH(8)

	stats := Dilate(positions, bricks, sh, validity, testSettings())

	w1, w2 := float32(1), float32(0.25)
	want := (w1*2 + w2*8) / (w1 + w2)
	for c := 0; c < SHCoefficients; c++ {
		assert.InDelta(t, want, sh[0][0][c], 1e-5)
		assert.InDelta(t, want, sh[0][2][c], 1e-5)
	}
	assert.Equal(t, invalid, validity[0], "validity must not be rewritten")
	assert.Equal(t, ProbesPerBrick-2, stats.InvalidProbes)
	assert.Equal(t, flatSH(2), sh[1])
	assert.Equal(t, flatSH(8), sh[2])
}

func TestFindNearProbes_Ordering(t *testing.T) {
	positions := []mgl32.Vec3{{0, 0, 0}, {2, 0, 0}, {1, 0, 0}}

	t.Run("sorted", func(t *testing.T) {
		culled := []DilationProbe{{Index: 1}, {Index: 2}}
		near, sum := FindNearProbes(0, positions, testSettings(), culled, nil)
		require.Len(t, near, 2)
		assert.Equal(t, 2, near[0].Index)
		assert.Equal(t, 1, near[1].Index)
		assert.InDelta(t, 1.25, sum, 1e-6)
	})

	t.Run("greedy", func(t *testing.T) {
		settings := testSettings()
		settings.Greedy = true
		culled := []DilationProbe{{Index: 1}, {Index: 2}}
		near, sum := FindNearProbes(0, positions, settings, culled, nil)
		require.Len(t, near, 2)
		assert.Equal(t, 1, near[0].Index)
		assert.Equal(t, 2, near[1].Index)
		assert.InDelta(t, 0.25, near[0].Dist, 1e-6)
		assert.InDelta(t, 1.25, sum, 1e-6)
	})

	t.Run("stableTies", func(t *testing.T) {
		tied := []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {-1, 0, 0}, {0, 1, 0}}
		culled := []DilationProbe{{Index: 3}, {Index: 1}, {Index: 2}}
		near, _ := FindNearProbes(0, tied, testSettings(), culled, nil)
		require.Len(t, near, 3)
		assert.Equal(t, []int{3, 1, 2}, []int{near[0].Index, near[1].Index, near[2].Index})
	})
}

func TestDilate_SampleCap(t *testing.T) {
	positions, bricks, sh, validity := lineBrick()
	for i := 1; i <= 3; i++ {
		validity[i] = valid
		sh[i] = flatSH(float32(i * 10))
	}
	settings := testSettings()
	settings.MaxSamples = 1

	Dilate(positions, bricks, sh, validity, settings)

	assert.Equal(t, flatSH(10), sh[0])
}

func TestDilate_NoCandidates(t *testing.T) {
	positions, bricks, sh, validity := lineBrick()
	validity[3] = valid
	settings := testSettings()
	settings.MaxSampleDistance = 0.5

	stats := Dilate(positions, bricks, sh, validity, settings)

	assert.Equal(t, SHL2{}, sh[0])
	assert.Equal(t, invalid, validity[0])
	assert.Equal(t, stats.InvalidProbes, stats.Isolated)
	assert.Zero(t, stats.Repaired)
}

func TestDilate_ValidProbesUntouched(t *testing.T) {
	positions, bricks, sh, validity := lineBrick()
	for i := range validity {
		validity[i] = valid
	}
	before := append([]SHL2(nil), sh...)

	stats := Dilate(positions, bricks, sh, validity, testSettings())

	assert.Equal(t, before, sh)
	assert.Zero(t, stats.InvalidProbes)
}

func TestCullDilationProbes_RoundsUpThreshold(t *testing.T) {
	bricks := []Brick{
		{Position: [3]int{0, 0, 0}},
		{Position: [3]int{3, 0, 0}},
		{Position: [3]int{10, 0, 0}},
	}
	validity := make([]float32, len(bricks)*ProbesPerBrick)
	validity[ProbesPerBrick+5] = invalid

	culled := CullDilationProbes(0, bricks, validity, testSettings(), nil)

	// sqrt(2)*2 rounds up to 3, which still reaches the brick at x=3.
	require.Len(t, culled, 2*ProbesPerBrick-1)
	assert.Equal(t, 0, culled[0].Index)
	for _, c := range culled {
		assert.Less(t, c.Index, 2*ProbesPerBrick)
		assert.NotEqual(t, ProbesPerBrick+5, c.Index)
	}
}

func TestBrick_SizeAndCenter(t *testing.T) {
	b := Brick{Position: [3]int{3, 0, -9}, SubdivisionLevel: 2}
	assert.Equal(t, float32(9), b.Size())
	assert.Equal(t, mgl32.Vec3{7.5, 4.5, -4.5}, b.Center())
}

func TestDilationSettings_WithDefaults(t *testing.T) {
	d := DefaultDilationSettings()

	assert.Equal(t, d, DilationSettings{}.WithDefaults(d))

	got := DilationSettings{Greedy: true, MaxSampleDistance: 3}.WithDefaults(d)
	assert.True(t, got.Greedy)
	assert.Equal(t, float32(3), got.MaxSampleDistance)
	assert.Equal(t, d.ValidityThreshold, got.ValidityThreshold)
	assert.Equal(t, d.MaxSamples, got.MaxSamples)
	assert.Equal(t, d.BrickSize, got.BrickSize)
}
