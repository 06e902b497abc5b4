package volume

import (
	"encoding/binary"
	"math"

	"github.com/gekko3d/volsynth/volrt/rt/gpu"
)

// Mode selects how slice quads address a volume.
type Mode int

const (
	// Direct draws every slice as a full-viewport quad; texcoord z is the
	// normalized depth of the slice.
	Direct Mode = iota
	// Grid packs slices row-major as tiles of one flat 2D surface; texcoord
	// carries the tile's pixel offset and the absolute slice index.
	Grid
)

func (m Mode) String() string {
	if m == Grid {
		return "grid"
	}
	return "direct"
}

const (
	VerticesPerSlice = 6
	// VertexStride is the encoded size of a SliceVertex.
	VertexStride = 28
)

// SliceVertex matches the VertexSlice input of the slice shaders.
//
// The slice programs address texels from the fragment position modulo the
// texture size and do not read Tex. In grid mode Tex holds the tile's pixel
// offset, which is where that modulo wraps; in direct mode it holds the
// normalized (u, v) corner and DirectZ depth for consumers sampling the quad.
type SliceVertex struct {
	Pos   [3]float32
	Tex   [3]float32
	Slice int32
}

// GridFactor returns the tile grid for depth slices: rows is floor(sqrt(depth))
// and cols starts at ceil(sqrt(depth)) and grows until cols*rows >= depth.
func GridFactor(depth int) (cols, rows int) {
	if depth < 1 {
		return 0, 0
	}
	root := math.Sqrt(float64(depth))
	rows = int(math.Floor(root))
	if rows < 1 {
		rows = 1
	}
	cols = int(math.Ceil(root))
	for cols*rows < depth {
		cols++
	}
	return cols, rows
}

// DirectZ is the normalized texcoord z of slice z in a volume of the given
// depth. A single-slice volume maps to 0.
func DirectZ(z, depth int) float32 {
	if depth <= 1 {
		return 0
	}
	return float32(z) / float32(depth-1)
}

// Layout describes the slice quads of one volume.
type Layout struct {
	Mode   Mode
	Width  int
	Height int
	Depth  int
	Cols   int
	Rows   int
}

func NewLayout(mode Mode, width, height, depth int) (Layout, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return Layout{}, gpu.Contractf("slice layout: invalid size %dx%dx%d", width, height, depth)
	}
	l := Layout{Mode: mode, Width: width, Height: height, Depth: depth, Cols: 1, Rows: 1}
	if mode == Grid {
		l.Cols, l.Rows = GridFactor(depth)
	}
	return l, nil
}

// FlatSize is the size of the render target the layout draws into.
func (l Layout) FlatSize() (w, h int) {
	return l.Cols * l.Width, l.Rows * l.Height
}

// Tile returns the grid cell of slice z. Direct layouts always use cell (0, 0).
func (l Layout) Tile(z int) (col, row int) {
	if l.Mode != Grid {
		return 0, 0
	}
	return z % l.Cols, z / l.Cols
}

// SliceRange is the vertex range that draws exactly slice z.
func SliceRange(z int) (first, count int) {
	return z * VerticesPerSlice, VerticesPerSlice
}

// Vertices returns Depth groups of six vertices, one quad per slice.
func (l Layout) Vertices() []SliceVertex {
	out := make([]SliceVertex, 0, l.Depth*VerticesPerSlice)
	for z := 0; z < l.Depth; z++ {
		out = append(out, l.quad(z)...)
	}
	return out
}

func (l Layout) quad(z int) []SliceVertex {
	x0, y0, x1, y1 := float32(-1), float32(1), float32(1), float32(-1)
	var tex [4][3]float32

	switch l.Mode {
	case Grid:
		col, row := l.Tile(z)
		x0 = float32(col)/float32(l.Cols)*2 - 1
		x1 = float32(col+1)/float32(l.Cols)*2 - 1
		y0 = 1 - float32(row)/float32(l.Rows)*2
		y1 = 1 - float32(row+1)/float32(l.Rows)*2
		off := [3]float32{float32(col * l.Width), float32(row * l.Height), float32(z)}
		tex = [4][3]float32{off, off, off, off}
	default:
		w := DirectZ(z, l.Depth)
		tex = [4][3]float32{{0, 0, w}, {1, 0, w}, {0, 1, w}, {1, 1, w}}
	}

	// corners: top-left, top-right, bottom-left, bottom-right
	pos := [4][3]float32{{x0, y0, 0}, {x1, y0, 0}, {x0, y1, 0}, {x1, y1, 0}}
	v := func(i int) SliceVertex {
		return SliceVertex{Pos: pos[i], Tex: tex[i], Slice: int32(z)}
	}
	return []SliceVertex{v(0), v(1), v(2), v(1), v(3), v(2)}
}

// EncodeVertices packs vs little-endian at VertexStride bytes per vertex.
func EncodeVertices(vs []SliceVertex) []byte {
	b := make([]byte, len(vs)*VertexStride)
	for i, v := range vs {
		o := b[i*VertexStride:]
		for j := 0; j < 3; j++ {
			binary.LittleEndian.PutUint32(o[j*4:], math.Float32bits(v.Pos[j]))
			binary.LittleEndian.PutUint32(o[12+j*4:], math.Float32bits(v.Tex[j]))
		}
		binary.LittleEndian.PutUint32(o[24:], uint32(v.Slice))
	}
	return b
}

// DecodeVertex reads one vertex written by EncodeVertices.
func DecodeVertex(b []byte) SliceVertex {
	var v SliceVertex
	for j := 0; j < 3; j++ {
		v.Pos[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[j*4:]))
		v.Tex[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[12+j*4:]))
	}
	v.Slice = int32(binary.LittleEndian.Uint32(b[24:]))
	return v
}

// Upload encodes the layout's vertices into a vertex buffer on dev.
func (l Layout) Upload(dev gpu.Device, label string) (gpu.Buffer, error) {
	return dev.CreateVertexBuffer(label, VertexStride, EncodeVertices(l.Vertices()))
}
