package probe

import "github.com/go-gl/mathgl/mgl32"

// UniqueProbeTable maps bit-exact probe positions to dense indices.
// Each physical position is baked once per batch. A table is not safe for concurrent use.
type UniqueProbeTable struct {
	index     map[mgl32.Vec3]int
	positions []mgl32.Vec3
}

// NewUniqueProbeTable creates an empty table.
func NewUniqueProbeTable() *UniqueProbeTable {
	return &UniqueProbeTable{index: make(map[mgl32.Vec3]int)}
}

// Len returns the number of unique positions.
func (t *UniqueProbeTable) Len() int {
	return len(t.positions)
}

// Deduplicate returns the unique index of every position, in input order,
// inserting positions the table has not seen yet.
func (t *UniqueProbeTable) Deduplicate(positions []mgl32.Vec3) []int {
	indices := make([]int, len(positions))
	for i, pos := range positions {
		idx, ok := t.index[pos]
		if !ok {
			idx = len(t.positions)
			t.index[pos] = idx
			t.positions = append(t.positions, pos)
		}
		indices[i] = idx
	}
	return indices
}

// Lookup returns the index of pos if present.
func (t *UniqueProbeTable) Lookup(pos mgl32.Vec3) (int, bool) {
	idx, ok := t.index[pos]
	return idx, ok
}

// Positions returns the unique positions in index order. The slice is shared.
func (t *UniqueProbeTable) Positions() []mgl32.Vec3 {
	return t.positions
}

// Reset empties the table.
func (t *UniqueProbeTable) Reset() {
	clear(t.index)
	t.positions = t.positions[:0]
}
