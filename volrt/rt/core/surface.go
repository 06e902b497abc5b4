package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Surface is one seed surface of the diagram: a read-only triangle list in model
// space plus the transform that places it. The pipeline never mutates Vertices.
type Surface struct {
	Name      string
	Vertices  []mgl32.Vec3
	Transform *Transform
	Color     mgl32.Vec4

	// geometryDirty is raised when Vertices is swapped through SetVertices.
	geometryDirty bool
}

func NewSurface(name string, vertices []mgl32.Vec3, color mgl32.Vec4) *Surface {
	return &Surface{
		Name:          name,
		Vertices:      vertices,
		Transform:     NewTransform(),
		Color:         color,
		geometryDirty: true,
	}
}

// SetVertices replaces the geometry.
func (s *Surface) SetVertices(v []mgl32.Vec3) {
	s.Vertices = v
	s.geometryDirty = true
}

func (s *Surface) Model() mgl32.Mat4 {
	if s.Transform == nil {
		return mgl32.Ident4()
	}
	return s.Transform.ObjectToWorld()
}

// NormalMatrix is the inverse-transpose of the model's 3x3 linear part.
func (s *Surface) NormalMatrix() mgl32.Mat3 {
	return NormalMatrix(s.Model())
}

// NormalMatrix returns the inverse-transpose of m's upper 3x3 block. A singular
// block (zero scale on some axis) yields the identity.
func NormalMatrix(m mgl32.Mat4) mgl32.Mat3 {
	lin := m.Mat3()
	if lin.Det() == 0 {
		return mgl32.Ident3()
	}
	return lin.Inv().Transpose()
}

// Dirty reports whether the transform or geometry changed since the last Clean.
func (s *Surface) Dirty() bool {
	return s.geometryDirty || (s.Transform != nil && s.Transform.Dirty)
}

// GeometryDirty reports whether the vertex list changed since the last Clean.
func (s *Surface) GeometryDirty() bool { return s.geometryDirty }

func (s *Surface) Clean() {
	s.geometryDirty = false
	if s.Transform != nil {
		s.Transform.Dirty = false
	}
}

// WorldVertices returns the vertices transformed by the model matrix.
func (s *Surface) WorldVertices() []mgl32.Vec3 {
	m := s.Model()
	out := make([]mgl32.Vec3, len(s.Vertices))
	for i, v := range s.Vertices {
		out[i] = m.Mul4x1(v.Vec4(1.0)).Vec3()
	}
	return out
}
