package placement

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReferenceVolume(scene string) *ReferenceVolume {
	return &ReferenceVolume{
		Scene:    scene,
		Rotation: mgl32.QuatIdent(),
		Extent:   mgl32.Vec3{3, 3, 3},
		Profile:  Profile{BrickSize: 1, MaxSubdivision: 1},
		Dilation: probe.DefaultDilationSettings(),
		Enabled:  true,
	}
}

func box(minV, maxV float32) AABB {
	return AABB{Min: mgl32.Vec3{minV, minV, minV}, Max: mgl32.Vec3{maxV, maxV, maxV}}
}

func TestCardinalReferenceVolume(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		disabled := testReferenceVolume("a")
		disabled.Enabled = false
		_, err := CardinalReferenceVolume([]*ReferenceVolume{disabled, nil})
		require.ErrorIs(t, err, ErrNoReferenceVolume)
	})

	t.Run("consistent", func(t *testing.T) {
		a, b := testReferenceVolume("a"), testReferenceVolume("b")
		got, err := CardinalReferenceVolume([]*ReferenceVolume{a, b})
		require.NoError(t, err)
		assert.Same(t, a, got)
	})

	t.Run("profileMismatch", func(t *testing.T) {
		a, b := testReferenceVolume("a"), testReferenceVolume("b")
		b.Profile.MaxSubdivision = 2
		_, err := CardinalReferenceVolume([]*ReferenceVolume{a, b})
		require.ErrorIs(t, err, ErrInconsistentAuthoring)
	})

	t.Run("positionMismatch", func(t *testing.T) {
		a, b := testReferenceVolume("a"), testReferenceVolume("b")
		b.Position = mgl32.Vec3{1, 0, 0}
		_, err := CardinalReferenceVolume([]*ReferenceVolume{a, b})
		require.ErrorIs(t, err, ErrInconsistentAuthoring)
	})

	t.Run("disabledIgnored", func(t *testing.T) {
		a, b := testReferenceVolume("a"), testReferenceVolume("b")
		b.Extent = mgl32.Vec3{100, 1, 1}
		b.Enabled = false
		got, err := CardinalReferenceVolume([]*ReferenceVolume{a, b})
		require.NoError(t, err)
		assert.Same(t, a, got)
	})
}

func TestSortSceneRefs(t *testing.T) {
	refs := []SceneRef{{"a", 1}, {"b", 3}, {"c", 1}, {"d", 3}}
	assert.Equal(t, []string{"b", "d", "a", "c"}, SortSceneRefs(refs))
	assert.Empty(t, SortSceneRefs(nil))
}

func TestBoundsInfluenceProvider(t *testing.T) {
	cell := Volume{X: mgl32.Vec3{3, 0, 0}, Y: mgl32.Vec3{0, 3, 0}, Z: mgl32.Vec3{0, 0, 3}}
	scenes := []Scene{
		{
			Name:         "lobby",
			ProbeVolumes: []ProbeVolume{{Bounds: box(10, 20)}},
		},
		{
			Name:         "hall",
			Renderers:    []Renderer{{Bounds: box(1, 2)}, {Bounds: box(2, 4)}},
			ProbeVolumes: []ProbeVolume{{Bounds: box(-1, 5), SubdivisionMultiplier: 0.5}},
		},
		{
			Name:      "yard",
			Renderers: []Renderer{{Bounds: box(-2, 0.5)}},
		},
	}

	influences, refs := BoundsInfluenceProvider{}.Influences(cell, scenes)

	require.Len(t, influences, 4)
	assert.Equal(t, InfluenceGeometry, influences[0].Kind)
	assert.Equal(t, InfluenceProbeVolume, influences[2].Kind)
	assert.Equal(t, float32(0.5), influences[2].SubdivisionMultiplier)
	assert.Equal(t, []SceneRef{{"hall", 3}, {"yard", 1}}, refs)
}

func TestPartition_UniformGrid(t *testing.T) {
	ref := testReferenceVolume("main")
	scenes := []Scene{{
		Name:         "main",
		ProbeVolumes: []ProbeVolume{{Bounds: box(-3, 3)}},
	}}

	cells := NewPartitioner().Partition(ref, scenes)
	require.Len(t, cells, 8)
	assert.Equal(t, [3]int{-1, -1, -1}, cells[0].Cell.Position)
	assert.Equal(t, [3]int{0, 0, 0}, cells[7].Cell.Position)

	table := probe.NewUniqueProbeTable()
	for i, pc := range cells {
		require.Equal(t, i, pc.Cell.Index)
		require.NoError(t, pc.Cell.Validate())
		require.Len(t, pc.Cell.Bricks, 1)
		assert.Equal(t, 1, pc.Cell.Bricks[0].SubdivisionLevel)
		assert.Equal(t, []string{"main"}, pc.SceneRefs)
		table.Deduplicate(pc.Cell.ProbePositions)
	}
	// Neighbouring cells share their faces: 7 distinct coordinates per axis.
	assert.Equal(t, 7*7*7, table.Len())

	last := cells[7].Cell.ProbePositions
	assert.Equal(t, mgl32.Vec3{0, 0, 0}, last[0])
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, last[1])
	assert.Equal(t, mgl32.Vec3{3, 3, 3}, last[probe.ProbesPerBrick-1])
}

func TestPartition_RefinesAroundGeometry(t *testing.T) {
	ref := testReferenceVolume("main")
	scenes := []Scene{{
		Name:         "main",
		Renderers:    []Renderer{{Bounds: box(0.2, 0.8)}},
		ProbeVolumes: []ProbeVolume{{Bounds: box(-3, 3), SubdivisionMultiplier: 1}},
	}}

	cells := NewPartitioner().Partition(ref, scenes)
	require.Len(t, cells, 8)

	refined := cells[7].Cell
	require.Len(t, refined.Bricks, 27)
	for _, b := range refined.Bricks {
		assert.Equal(t, 0, b.SubdivisionLevel)
	}
	require.NoError(t, refined.Validate())

	for _, pc := range cells[:7] {
		require.Len(t, pc.Cell.Bricks, 1)
		assert.Equal(t, 1, pc.Cell.Bricks[0].SubdivisionLevel)
	}
}

func TestPartition_EmptyCells(t *testing.T) {
	ref := testReferenceVolume("main")
	scenes := []Scene{{
		Name:         "main",
		ProbeVolumes: []ProbeVolume{{Bounds: box(0.5, 2.5)}},
	}}

	cells := NewPartitioner().Partition(ref, scenes)
	require.Len(t, cells, 8)

	for i, pc := range cells {
		if i == 7 {
			assert.False(t, pc.Cell.Empty())
			continue
		}
		assert.True(t, pc.Cell.Empty(), "cell %d", i)
		assert.Empty(t, pc.Cell.Bricks)
		assert.Empty(t, pc.SceneRefs)
		assert.NoError(t, pc.Cell.Validate())
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	frame := Frame{
		Position:  mgl32.Vec3{1, 2, 3},
		Rotation:  mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{0, 1, 0}),
		BrickSize: 2,
	}
	local := mgl32.Vec3{1, 0, 0}
	world := frame.ToWorld(local)
	assert.True(t, world.ApproxEqualThreshold(mgl32.Vec3{1, 2, 1}, 1e-5), "got %v", world)
	assert.True(t, frame.ToLocal(world).ApproxEqualThreshold(local, 1e-5))
}

func TestWorldBounds(t *testing.T) {
	_, ok := WorldBounds(nil)
	assert.False(t, ok)

	bounds, ok := WorldBounds([]Scene{
		{ProbeVolumes: []ProbeVolume{{Bounds: box(0, 1)}}},
		{ProbeVolumes: []ProbeVolume{{Bounds: box(-2, -1)}}},
	})
	require.True(t, ok)
	assert.Equal(t, box(-2, 1), bounds)
}
