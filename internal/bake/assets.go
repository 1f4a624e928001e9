package bake

import (
	"math"
	"sort"

	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
)

// Asset is the baked lighting data of one scene.
type Asset struct {
	Scene string       `json:"scene"`
	Cells []probe.Cell `json:"cells"`
	// MaxCellIndex bounds |probe position + reference position| per axis, in half-cells.
	MaxCellIndex [3]int `json:"max_cell_index"`
}

// ProbeCount returns the number of probes across all cells.
func (a *Asset) ProbeCount() int {
	n := 0
	for i := range a.Cells {
		n += len(a.Cells[i].ProbePositions)
	}
	return n
}

// Assemble groups baked cells into one asset per scene with a registered
// reference volume. Every registered scene gets an asset, possibly without
// cells. Each cell goes to the first scene in its influence-ordered reference
// list that has a volume; cells without one are dropped. Assets are returned
// ordered by scene name.
func Assemble(cells []probe.Cell, refs map[int][]string, volumes map[string]*placement.ReferenceVolume, cellSize float32) []*Asset {
	assets := make(map[string]*Asset, len(volumes))
	for scene, ref := range volumes {
		if ref != nil {
			assets[scene] = &Asset{Scene: scene}
		}
	}
	for _, cell := range cells {
		for _, scene := range refs[cell.Index] {
			ref, ok := volumes[scene]
			if !ok || ref == nil {
				continue
			}
			asset := assets[scene]
			asset.Cells = append(asset.Cells, cell)
			for _, p := range cell.ProbePositions {
				for axis := 0; axis < 3; axis++ {
					idx := int(math.Abs(float64(p[axis]+ref.Position[axis])) / float64(cellSize) * 2)
					asset.MaxCellIndex[axis] = max(asset.MaxCellIndex[axis], idx)
				}
			}
			break
		}
	}

	out := make([]*Asset, 0, len(assets))
	for _, a := range assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scene < out[j].Scene })
	return out
}
