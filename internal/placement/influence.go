package placement

import "sort"

// Renderer is a piece of scene geometry that drives brick refinement.
type Renderer struct {
	Name   string `json:"name" yaml:"name"`
	Bounds AABB   `json:"bounds" yaml:"bounds"`
}

// ProbeVolume is an authored region that receives probes.
// SubdivisionMultiplier in [0,1] scales how far bricks inside it may be refined:
// 0 keeps cell-sized bricks, 1 allows the finest level.
type ProbeVolume struct {
	Name                  string  `json:"name" yaml:"name"`
	Bounds                AABB    `json:"bounds" yaml:"bounds"`
	SubdivisionMultiplier float32 `json:"subdivision_multiplier" yaml:"subdivision_multiplier"`
}

// Scene is one loaded scene contributing geometry and probe volumes to a bake.
type Scene struct {
	Name            string           `json:"name" yaml:"name"`
	Renderers       []Renderer       `json:"renderers" yaml:"renderers"`
	ProbeVolumes    []ProbeVolume    `json:"probe_volumes" yaml:"probe_volumes"`
	ReferenceVolume *ReferenceVolume `json:"reference_volume,omitempty" yaml:"reference_volume"`
}

// InfluenceKind distinguishes geometry from probe volumes.
type InfluenceKind int

const (
	InfluenceGeometry InfluenceKind = iota
	InfluenceProbeVolume
)

// InfluenceVolume is a region overlapping a cell that shapes its subdivision.
type InfluenceVolume struct {
	Bounds                AABB
	Kind                  InfluenceKind
	SubdivisionMultiplier float32
	Scene                 string
}

// SceneRef counts how many influence volumes a scene contributed to a cell.
type SceneRef struct {
	Scene string
	Count int
}

// InfluenceProvider finds the influence volumes overlapping a cell.
// Scene references are returned in encounter order.
type InfluenceProvider interface {
	Influences(cell Volume, scenes []Scene) ([]InfluenceVolume, []SceneRef)
}

// BoundsInfluenceProvider overlaps renderer and probe-volume bounds with the cell.
type BoundsInfluenceProvider struct{}

// Influences implements InfluenceProvider.
func (BoundsInfluenceProvider) Influences(cell Volume, scenes []Scene) ([]InfluenceVolume, []SceneRef) {
	cellBounds := cell.AABB()

	var influences []InfluenceVolume
	var refs []SceneRef
	refIdx := make(map[string]int)
	addRef := func(scene string) {
		i, ok := refIdx[scene]
		if !ok {
			i = len(refs)
			refIdx[scene] = i
			refs = append(refs, SceneRef{Scene: scene})
		}
		refs[i].Count++
	}

	for _, scene := range scenes {
		for _, r := range scene.Renderers {
			if !r.Bounds.Intersects(cellBounds) {
				continue
			}
			influences = append(influences, InfluenceVolume{
				Bounds: r.Bounds,
				Kind:   InfluenceGeometry,
				Scene:  scene.Name,
			})
			addRef(scene.Name)
		}
		for _, pv := range scene.ProbeVolumes {
			if !pv.Bounds.Intersects(cellBounds) {
				continue
			}
			influences = append(influences, InfluenceVolume{
				Bounds:                pv.Bounds,
				Kind:                  InfluenceProbeVolume,
				SubdivisionMultiplier: pv.SubdivisionMultiplier,
				Scene:                 scene.Name,
			})
			addRef(scene.Name)
		}
	}
	return influences, refs
}

// SortSceneRefs orders scenes by descending reference count, ties by encounter order.
func SortSceneRefs(refs []SceneRef) []string {
	sorted := append([]SceneRef(nil), refs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Count > sorted[j].Count
	})
	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = r.Scene
	}
	return out
}

// WorldBounds returns the union of every probe volume in scenes.
func WorldBounds(scenes []Scene) (AABB, bool) {
	var bounds AABB
	found := false
	for _, scene := range scenes {
		for _, pv := range scene.ProbeVolumes {
			if !found {
				bounds = pv.Bounds
				found = true
				continue
			}
			bounds = bounds.Encapsulate(pv.Bounds)
		}
	}
	return bounds, found
}
