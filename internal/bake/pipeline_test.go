package bake

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bakedCell(index int, positions ...mgl32.Vec3) probe.Cell {
	return probe.Cell{Index: index, ProbePositions: positions}
}

func TestAssemble(t *testing.T) {
	volumes := map[string]*placement.ReferenceVolume{
		"b": {Scene: "b", Position: mgl32.Vec3{1, 0, 0}},
		"a": {Scene: "a"},
	}
	cells := []probe.Cell{
		bakedCell(0, mgl32.Vec3{2, 0, 0}),
		bakedCell(1, mgl32.Vec3{-4.5, 1, 0}),
		bakedCell(2, mgl32.Vec3{0, 0, 9}),
		bakedCell(3, mgl32.Vec3{0, 0, 0}),
	}
	refs := map[int][]string{
		0: {"unregistered", "b", "a"},
		1: {"a"},
		2: {"unregistered"},
	}

	assets := Assemble(cells, refs, volumes, 3)
	require.Len(t, assets, 2)

	assert.Equal(t, "a", assets[0].Scene)
	require.Len(t, assets[0].Cells, 1)
	assert.Equal(t, 1, assets[0].Cells[0].Index)
	// |-4.5|/3*2 = 3, |1|/3*2 = 0.67
	assert.Equal(t, [3]int{3, 0, 0}, assets[0].MaxCellIndex)

	assert.Equal(t, "b", assets[1].Scene)
	require.Len(t, assets[1].Cells, 1, "a cell belongs to the first registered scene only")
	assert.Equal(t, 0, assets[1].Cells[0].Index)
	// (2+1)/3*2 = 2
	assert.Equal(t, [3]int{2, 0, 0}, assets[1].MaxCellIndex)
	assert.Equal(t, 1, assets[1].ProbeCount())
}

func TestAssemble_RegisteredSceneWithoutCells(t *testing.T) {
	volumes := map[string]*placement.ReferenceVolume{
		"a":     {Scene: "a"},
		"quiet": {Scene: "quiet"},
		"off":   nil,
	}
	cells := []probe.Cell{bakedCell(0, mgl32.Vec3{1, 1, 1})}

	assets := Assemble(cells, map[int][]string{0: {"a"}}, volumes, 3)
	require.Len(t, assets, 2)
	assert.Equal(t, "a", assets[0].Scene)
	assert.Len(t, assets[0].Cells, 1)
	assert.Equal(t, "quiet", assets[1].Scene)
	assert.Empty(t, assets[1].Cells)
	assert.Equal(t, [3]int{}, assets[1].MaxCellIndex)
}

func TestAssemble_NoVolumes(t *testing.T) {
	cells := []probe.Cell{bakedCell(0, mgl32.Vec3{})}
	assert.Empty(t, Assemble(cells, map[int][]string{0: {"a"}}, nil, 1))
}

func TestPipeline_Run(t *testing.T) {
	scenes := singleCellScene()
	scenes[0].Renderers = []placement.Renderer{{
		Name:   "pillar",
		Bounds: placement.AABB{Min: mgl32.Vec3{-0.1, -0.1, -0.1}, Max: mgl32.Vec3{0.1, 0.1, 0.1}},
	}}

	cfg := DefaultAmbientBakerConfig()
	cfg.OccludeRenderers = true
	p := NewPipeline(NewAmbientBaker(cfg), nil, nil)

	var phases []string
	report, err := p.Run(context.Background(), scenes, func(phase string, _ float64) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"placement", "baking", "assembly", "done"}, phases)

	assert.Equal(t, 1, report.Cells)
	assert.Equal(t, 7, report.EmptyCells)
	assert.Equal(t, probe.ProbesPerBrick, report.Probes)
	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, 1, report.Repaired)
	require.Len(t, report.Assets, 1)
	assert.Equal(t, "main", report.Assets[0].Scene)
	assert.Equal(t, [3]int{2, 2, 2}, report.Assets[0].MaxCellIndex)

	for _, c := range p.Session.Cells() {
		require.NoError(t, c.Validate())
	}
}

func TestPipeline_InconsistentAuthoringLeavesSessionAlone(t *testing.T) {
	p := NewPipeline(NewAmbientBaker(DefaultAmbientBakerConfig()), nil, nil)
	_, err := p.Run(context.Background(), singleCellScene(), nil)
	require.NoError(t, err)
	require.Len(t, p.Session.Cells(), 1)

	scenes := singleCellScene()
	other := *scenes[0].ReferenceVolume
	other.Scene = "other"
	other.Profile.MaxSubdivision = 2
	scenes = append(scenes, placement.Scene{Name: "other", ReferenceVolume: &other})

	_, err = p.Run(context.Background(), scenes, nil)
	require.ErrorIs(t, err, placement.ErrInconsistentAuthoring)
	assert.Len(t, p.Session.Cells(), 1, "published cells survive a rejected bake")
}

func TestPipeline_Cancel(t *testing.T) {
	cfg := DefaultAmbientBakerConfig()
	cfg.Latency = time.Hour
	p := NewPipeline(NewAmbientBaker(cfg), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, singleCellScene(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, p.Session.Active())
	assert.Empty(t, p.Session.Cells())
}
