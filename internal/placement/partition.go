package placement

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/probebake/server/internal/probe"
)

// PlacedCell is a partitioned cell plus the scenes that influenced it,
// ordered by descending reference count.
type PlacedCell struct {
	Cell      probe.Cell
	SceneRefs []string
}

// Partitioner lays the cell grid of a reference volume over the scenes.
type Partitioner struct {
	Influence  InfluenceProvider
	Subdivider Subdivider
}

// NewPartitioner returns a partitioner using the bounds-based influence
// provider and the adaptive subdivider.
func NewPartitioner() *Partitioner {
	return &Partitioner{
		Influence:  BoundsInfluenceProvider{},
		Subdivider: AdaptiveSubdivider{},
	}
}

// Partition visits every cell of the grid spanned by ref.Extent, in x, y, z
// order, and subdivides it. Cells without probes are returned with Empty() true.
func (p *Partitioner) Partition(ref *ReferenceVolume, scenes []Scene) []PlacedCell {
	frame := ref.Frame()
	cellSize := frame.CellSize()
	counts := ref.CellCounts()
	trs := frame.Matrix()

	cells := make([]PlacedCell, 0, 8*counts[0]*counts[1]*counts[2])
	index := 0
	for x := -counts[0]; x < counts[0]; x++ {
		for y := -counts[1]; y < counts[1]; y++ {
			for z := -counts[2]; z < counts[2]; z++ {
				cellPos := [3]int{x, y, z}
				volume := Volume{
					Corner: mgl32.Vec3{float32(x) * cellSize, float32(y) * cellSize, float32(z) * cellSize},
					X:      mgl32.Vec3{cellSize, 0, 0},
					Y:      mgl32.Vec3{0, cellSize, 0},
					Z:      mgl32.Vec3{0, 0, cellSize},
				}.Transform(trs)

				influences, refs := p.Influence.Influences(volume, scenes)
				bricks, positions := p.Subdivider.Subdivide(volume, frame, influences)

				cell := probe.Cell{Index: index, Position: cellPos}
				if len(bricks) > 0 && len(positions) > 0 {
					cell.Bricks = bricks
					cell.ProbePositions = positions
				}
				cells = append(cells, PlacedCell{Cell: cell, SceneRefs: SortSceneRefs(refs)})
				index++
			}
		}
	}
	return cells
}
