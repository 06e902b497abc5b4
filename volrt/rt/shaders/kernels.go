package shaders

import (
	"encoding/binary"
	"math"

	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/volume"

	"github.com/go-gl/mathgl/mgl32"
)

// The kernels below mirror the WGSL programs on the MemoryDevice.

var (
	offColor       = [4]float32{0, 0, 0, 0}
	isoHighlight   = [4]float32{1, 0.85, 0.1, 1}
	isoBackground  = [4]float32{0, 0, 0, 0}
	neighbourSteps = [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
)

// forEachSliceTexel rasterizes every slice quad of the draw. fn receives the
// target pixel, the volume texel it addresses, and the slice. Like texel() in
// common.wgsl the texel is the pixel modulo the texture size; SliceVertex.Tex
// is not read.
func forEachSliceTexel(c *gpu.DrawCall, fn func(x, y, tx, ty, slice int)) {
	vp := c.Viewport
	size := c.Params.TextureSize
	tw, th := int(size[0]), int(size[1])
	if tw <= 0 || th <= 0 {
		tw, th = vp.Width, vp.Height
	}
	for q := c.First; q+volume.VerticesPerSlice <= c.First+c.Count; q += volume.VerticesPerSlice {
		minX, minY := float32(1), float32(1)
		maxX, maxY := float32(-1), float32(-1)
		var slice int32
		for i := 0; i < volume.VerticesPerSlice; i++ {
			v := volume.DecodeVertex(c.Vertex(q + i))
			minX, maxX = min(minX, v.Pos[0]), max(maxX, v.Pos[0])
			minY, maxY = min(minY, v.Pos[1]), max(maxY, v.Pos[1])
			slice = v.Slice
		}
		x0 := vp.X + int(math.Round(float64((minX+1)/2*float32(vp.Width))))
		x1 := vp.X + int(math.Round(float64((maxX+1)/2*float32(vp.Width))))
		y0 := vp.Y + int(math.Round(float64((1-maxY)/2*float32(vp.Height))))
		y1 := vp.Y + int(math.Round(float64((1-minY)/2*float32(vp.Height))))
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				fn(x, y, (x-vp.X)%tw, (y-vp.Y)%th, int(slice))
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func loadClamped(t *gpu.MemoryTexture, x, y, z int) [4]float32 {
	return t.At(clampInt(x, 0, t.Width()-1), clampInt(y, 0, t.Height()-1), clampInt(z, 0, t.Depth()-1))
}

func colorTarget(c *gpu.DrawCall) (*gpu.MemoryTexture, error) {
	if len(c.Colors) != 1 {
		return nil, gpu.Contractf("%s writes one color target, %d bound", c.Technique, len(c.Colors))
	}
	return c.Colors[0], nil
}

func source(c *gpu.DrawCall, slot string) (*gpu.MemoryTexture, error) {
	t := c.Source(slot)
	if t == nil {
		return nil, gpu.Contractf("%s reads %s, nothing bound", c.Technique, slot)
	}
	return t, nil
}

// voronoiKernel writes, for every pixel of the slice plane, the surface color
// and its distance to the nearest vertex of the surface, keeping the nearer
// surface through the depth target.
func voronoiKernel(c *gpu.DrawCall) error {
	if len(c.Colors) != 2 || c.Depth == nil {
		return gpu.Contractf("%s needs color, distance and depth targets", c.Technique)
	}
	color, dist, depth := c.Colors[0], c.Colors[1], c.Depth
	p := c.Params

	verts := make([]mgl32.Vec3, 0, c.Count)
	for i := c.First; i < c.First+c.Count; i++ {
		b := c.Vertex(i)
		v := mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
			math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
		}
		verts = append(verts, p.World.Mul4x1(v.Vec4(1)).Vec3())
	}
	if len(verts) == 0 {
		return nil
	}

	size := p.ExtentMax.Sub(p.ExtentMin)
	diag := size.Len()
	if diag < 1e-4 {
		diag = 1e-4
	}
	n := p.SliceCount
	if n < 1 {
		n = 1
	}
	planeZ := p.ExtentMin.Z() + (float32(p.SliceIndex)+0.5)/float32(n)*size.Z()

	vp := c.Viewport
	for y := vp.Y; y < vp.Y+vp.Height; y++ {
		for x := vp.X; x < vp.X+vp.Width; x++ {
			u := (float32(x-vp.X) + 0.5) / float32(vp.Width)
			v := (float32(y-vp.Y) + 0.5) / float32(vp.Height)
			point := mgl32.Vec3{
				p.ExtentMin.X() + u*size.X(),
				p.ExtentMax.Y() - v*size.Y(),
				planeZ,
			}
			best := float32(math.MaxFloat32)
			for _, w := range verts {
				if d := w.Sub(point).Len(); d < best {
					best = d
				}
			}
			d := best / diag
			if d > 1 {
				d = 1
			}
			if d >= depth.At(x, y, 0)[0] {
				continue
			}
			depth.Set(x, y, 0, [4]float32{d, d, d, d})
			color.Set(x, y, 0, [4]float32{p.Color[0], p.Color[1], p.Color[2], p.Weight})
			dist.Set(x, y, 0, [4]float32{d, 0, 0, 1})
		}
	}
	return nil
}

// diffuseKernel blends each texel towards its 3x3x3 box average. The blend
// factor is scaled by the distance to the nearest surface so surface texels
// keep their ownership.
func diffuseKernel(c *gpu.DrawCall) error {
	dst, err := colorTarget(c)
	if err != nil {
		return err
	}
	src, err := source(c, SlotSource)
	if err != nil {
		return err
	}
	dist, err := source(c, SlotDistance)
	if err != nil {
		return err
	}
	blend := c.Params.BlendFactor
	forEachSliceTexel(c, func(x, y, tx, ty, z int) {
		center := loadClamped(src, tx, ty, z)
		var sum [4]float32
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					s := loadClamped(src, tx+dx, ty+dy, z+dz)
					for ch := range sum {
						sum[ch] += s[ch]
					}
				}
			}
		}
		d := loadClamped(dist, tx, ty, z)[0] * 4
		if d > 1 {
			d = 1
		}
		k := blend * d
		var out [4]float32
		for ch := range out {
			out[ch] = center[ch] + (sum[ch]/27-center[ch])*k
		}
		dst.Set(x, y, 0, out)
	})
	return nil
}

func blackSliceKernel(c *gpu.DrawCall) error {
	dst, err := colorTarget(c)
	if err != nil {
		return err
	}
	forEachSliceTexel(c, func(x, y, _, _, _ int) {
		dst.Set(x, y, 0, offColor)
	})
	return nil
}

func colorSliceKernel(c *gpu.DrawCall) error {
	dst, err := colorTarget(c)
	if err != nil {
		return err
	}
	src, err := source(c, SlotSource)
	if err != nil {
		return err
	}
	forEachSliceTexel(c, func(x, y, tx, ty, z int) {
		dst.Set(x, y, 0, loadClamped(src, tx, ty, z))
	})
	return nil
}

// isoSurfaceKernel marks texels whose alpha lies on the other side of the iso
// value from any of their six neighbours.
func isoSurfaceKernel(c *gpu.DrawCall) error {
	dst, err := colorTarget(c)
	if err != nil {
		return err
	}
	src, err := source(c, SlotSource)
	if err != nil {
		return err
	}
	iso := c.Params.IsoValue
	inside := func(x, y, z int) bool { return loadClamped(src, x, y, z)[3] >= iso }
	forEachSliceTexel(c, func(x, y, tx, ty, z int) {
		in := inside(tx, ty, z)
		crossing := false
		for _, s := range neighbourSteps {
			if inside(tx+s[0], ty+s[1], z+s[2]) != in {
				crossing = true
				break
			}
		}
		switch {
		case !crossing:
			dst.Set(x, y, 0, isoBackground)
		case c.Params.ShowIsoColor:
			v := loadClamped(src, tx, ty, z)
			dst.Set(x, y, 0, [4]float32{v[0], v[1], v[2], 1})
		default:
			dst.Set(x, y, 0, isoHighlight)
		}
	})
	return nil
}
