// Package placement partitions a reference volume into cells and bricks and
// produces the probe positions handed to the baker.
package placement

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// AABB is an axis-aligned box in world space.
type AABB struct {
	Min mgl32.Vec3 `json:"min" yaml:"min"`
	Max mgl32.Vec3 `json:"max" yaml:"max"`
}

// NewAABBFromCenter builds a box from its centre and full size.
func NewAABBFromCenter(center, size mgl32.Vec3) AABB {
	half := size.Mul(0.5)
	return AABB{Min: center.Sub(half), Max: center.Add(half)}
}

// NewAABBFromPoints returns the box bounding all points.
func NewAABBFromPoints(points ...mgl32.Vec3) AABB {
	if len(points) == 0 {
		return AABB{}
	}
	box := AABB{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		box = box.extend(p)
	}
	return box
}

func (a AABB) extend(p mgl32.Vec3) AABB {
	for i := 0; i < 3; i++ {
		a.Min[i] = min(a.Min[i], p[i])
		a.Max[i] = max(a.Max[i], p[i])
	}
	return a
}

// Intersects reports whether the boxes overlap or touch.
func (a AABB) Intersects(b AABB) bool {
	for i := 0; i < 3; i++ {
		if a.Min[i] > b.Max[i] || a.Max[i] < b.Min[i] {
			return false
		}
	}
	return true
}

// Contains reports whether p lies inside the box, boundary included.
func (a AABB) Contains(p mgl32.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < a.Min[i] || p[i] > a.Max[i] {
			return false
		}
	}
	return true
}

// Encapsulate grows a to contain b.
func (a AABB) Encapsulate(b AABB) AABB {
	return a.extend(b.Min).extend(b.Max)
}

// Center returns the box centre.
func (a AABB) Center() mgl32.Vec3 {
	return a.Min.Add(a.Max).Mul(0.5)
}

// Size returns the box extent along each axis.
func (a AABB) Size() mgl32.Vec3 {
	return a.Max.Sub(a.Min)
}

// Volume is an oriented box spanned by three edge vectors from a corner.
type Volume struct {
	Corner mgl32.Vec3
	X      mgl32.Vec3
	Y      mgl32.Vec3
	Z      mgl32.Vec3
}

// Transform applies m to the volume: the corner as a point, the edges as directions.
func (v Volume) Transform(m mgl32.Mat4) Volume {
	return Volume{
		Corner: mgl32.TransformCoordinate(v.Corner, m),
		X:      mgl32.TransformNormal(v.X, m),
		Y:      mgl32.TransformNormal(v.Y, m),
		Z:      mgl32.TransformNormal(v.Z, m),
	}
}

// Corners returns the eight corners of the volume.
func (v Volume) Corners() [8]mgl32.Vec3 {
	var out [8]mgl32.Vec3
	for i := 0; i < 8; i++ {
		p := v.Corner
		if i&1 != 0 {
			p = p.Add(v.X)
		}
		if i&2 != 0 {
			p = p.Add(v.Y)
		}
		if i&4 != 0 {
			p = p.Add(v.Z)
		}
		out[i] = p
	}
	return out
}

// AABB returns the world-aligned bounds of the volume.
func (v Volume) AABB() AABB {
	corners := v.Corners()
	return NewAABBFromPoints(corners[:]...)
}

// Frame is the reference frame bricks are laid out in.
type Frame struct {
	Position       mgl32.Vec3
	Rotation       mgl32.Quat
	BrickSize      float32
	MaxSubdivision int
}

// Matrix returns the rigid transform of the frame (no scale).
func (f Frame) Matrix() mgl32.Mat4 {
	return mgl32.Translate3D(f.Position[0], f.Position[1], f.Position[2]).Mul4(f.Rotation.Mat4())
}

// CellSize returns the edge length of one cell in world units.
func (f Frame) CellSize() float32 {
	return f.BrickSize * pow3(f.MaxSubdivision)
}

// ToWorld maps a point given in minimum-brick units to world space.
func (f Frame) ToWorld(local mgl32.Vec3) mgl32.Vec3 {
	return f.Position.Add(f.Rotation.Rotate(local.Mul(f.BrickSize)))
}

// ToLocal maps a world point to minimum-brick units.
func (f Frame) ToLocal(world mgl32.Vec3) mgl32.Vec3 {
	return f.Rotation.Inverse().Rotate(world.Sub(f.Position)).Mul(1 / f.BrickSize)
}

func pow3(n int) float32 {
	return float32(math.Pow(3, float64(n)))
}
