package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Sphere returns a UV sphere as a triangle list centered on the origin.
func Sphere(radius float32, rings, segments int) []mgl32.Vec3 {
	if rings < 2 {
		rings = 2
	}
	if segments < 3 {
		segments = 3
	}
	point := func(r, s int) mgl32.Vec3 {
		phi := math.Pi * float64(r) / float64(rings)
		theta := 2 * math.Pi * float64(s) / float64(segments)
		return mgl32.Vec3{
			radius * float32(math.Sin(phi)*math.Cos(theta)),
			radius * float32(math.Sin(phi)*math.Sin(theta)),
			radius * float32(math.Cos(phi)),
		}
	}
	return grid(rings, segments, point)
}

// Torus returns a torus around the Z axis as a triangle list.
func Torus(major, minor float32, rings, segments int) []mgl32.Vec3 {
	if rings < 3 {
		rings = 3
	}
	if segments < 3 {
		segments = 3
	}
	point := func(r, s int) mgl32.Vec3 {
		u := 2 * math.Pi * float64(r) / float64(rings)
		v := 2 * math.Pi * float64(s) / float64(segments)
		ring := float64(major) + float64(minor)*math.Cos(v)
		return mgl32.Vec3{
			float32(ring * math.Cos(u)),
			float32(ring * math.Sin(u)),
			minor * float32(math.Sin(v)),
		}
	}
	return grid(rings, segments, point)
}

// Box returns the 12 triangles of an axis-aligned box spanning -half..half.
func Box(half mgl32.Vec3) []mgl32.Vec3 {
	min, max := half.Mul(-1), half
	c := [8]mgl32.Vec3{
		{min.X(), min.Y(), min.Z()},
		{max.X(), min.Y(), min.Z()},
		{max.X(), max.Y(), min.Z()},
		{min.X(), max.Y(), min.Z()},
		{min.X(), min.Y(), max.Z()},
		{max.X(), min.Y(), max.Z()},
		{max.X(), max.Y(), max.Z()},
		{min.X(), max.Y(), max.Z()},
	}
	faces := [6][4]int{
		{0, 3, 2, 1}, // -Z
		{4, 5, 6, 7}, // +Z
		{0, 1, 5, 4}, // -Y
		{2, 3, 7, 6}, // +Y
		{0, 4, 7, 3}, // -X
		{1, 2, 6, 5}, // +X
	}
	out := make([]mgl32.Vec3, 0, 36)
	for _, f := range faces {
		out = append(out, c[f[0]], c[f[1]], c[f[2]], c[f[0]], c[f[2]], c[f[3]])
	}
	return out
}

// grid triangulates a (rings x segments) parametric patch.
func grid(rings, segments int, point func(r, s int) mgl32.Vec3) []mgl32.Vec3 {
	out := make([]mgl32.Vec3, 0, rings*segments*6)
	for r := 0; r < rings; r++ {
		for s := 0; s < segments; s++ {
			p00 := point(r, s)
			p01 := point(r, s+1)
			p10 := point(r+1, s)
			p11 := point(r+1, s+1)
			out = append(out, p00, p10, p11, p00, p11, p01)
		}
	}
	return out
}
