package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

// MinExtent is the smallest size an extent axis is widened to before it feeds a
// projection.
const MinExtent = 1e-4

// BoundingExtent is an axis-aligned box. Min <= Max holds componentwise for every
// extent produced by ComputeExtent.
type BoundingExtent struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// ComputeExtent encloses the world-space vertices of every surface. Each surface is
// transformed by its own model matrix. The accumulator is seeded from the first point
// of the first non-empty surface; ok is false when every surface is empty.
func ComputeExtent(surfaces ...*Surface) (ext BoundingExtent, ok bool) {
	for _, s := range surfaces {
		if s == nil || len(s.Vertices) == 0 {
			continue
		}
		m := s.Model()
		for _, v := range s.Vertices {
			wv := m.Mul4x1(v.Vec4(1.0)).Vec3()
			if !ok {
				ext = BoundingExtent{Min: wv, Max: wv}
				ok = true
				continue
			}
			ext.Extend(wv)
		}
	}
	return ext, ok
}

// Extend grows the extent to include p.
func (e *BoundingExtent) Extend(p mgl32.Vec3) {
	for i := 0; i < 3; i++ {
		if p[i] < e.Min[i] {
			e.Min[i] = p[i]
		}
		if p[i] > e.Max[i] {
			e.Max[i] = p[i]
		}
	}
}

// Contains reports whether p lies inside the closed box.
func (e BoundingExtent) Contains(p mgl32.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < e.Min[i] || p[i] > e.Max[i] {
			return false
		}
	}
	return true
}

func (e BoundingExtent) Size() mgl32.Vec3 { return e.Max.Sub(e.Min) }

func (e BoundingExtent) Center() mgl32.Vec3 { return e.Min.Add(e.Max).Mul(0.5) }

// Padded widens every axis thinner than eps symmetrically to eps.
func (e BoundingExtent) Padded(eps float32) BoundingExtent {
	out := e
	for i := 0; i < 3; i++ {
		if d := e.Max[i] - e.Min[i]; d < eps {
			grow := (eps - d) * 0.5
			out.Min[i] -= grow
			out.Max[i] += grow
		}
	}
	return out
}

// OrthoProjection maps the extent onto the [-1,1] clip cube looking down -Z, so
// Max.Z lands on the near plane and Min.Z on the far plane.
func (e BoundingExtent) OrthoProjection() mgl32.Mat4 {
	p := e.Padded(MinExtent)
	return mgl32.Ortho(p.Min.X(), p.Max.X(), p.Min.Y(), p.Max.Y(), -p.Max.Z(), -p.Min.Z())
}

// SliceCenter returns the world z of the center of slice z out of depth slices.
func (e BoundingExtent) SliceCenter(z, depth int) float32 {
	if depth <= 0 {
		return e.Min.Z()
	}
	t := (float32(z) + 0.5) / float32(depth)
	return e.Min.Z() + t*(e.Max.Z()-e.Min.Z())
}
