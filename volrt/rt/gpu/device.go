package gpu

import (
	"github.com/go-gl/mathgl/mgl32"
)

type Kind int

const (
	Kind2D Kind = iota + 1
	Kind3D
)

func (k Kind) String() string {
	switch k {
	case Kind2D:
		return "2D"
	case Kind3D:
		return "3D"
	}
	return "invalid"
}

type Format int

const (
	// FormatColor is RGBA32 float, the ownership color field.
	FormatColor Format = iota + 1
	// FormatScalar is R32 float, the distance field.
	FormatScalar
	// FormatDepth is D32 float, slice-local depth testing.
	FormatDepth
)

// BytesPerTexel is the device-side texel size used for memory accounting.
func (f Format) BytesPerTexel() int {
	switch f {
	case FormatColor:
		return 16
	case FormatScalar, FormatDepth:
		return 4
	}
	return 0
}

// VolumeDescriptor is the size of a managed texture. Depth is 1 for 2D textures.
type VolumeDescriptor struct {
	Width  int
	Height int
	Depth  int
}

func (d VolumeDescriptor) Valid() bool { return d.Width > 0 && d.Height > 0 && d.Depth > 0 }

func (d VolumeDescriptor) Texels() int { return d.Width * d.Height * d.Depth }

type TextureDesc struct {
	Label  string
	Kind   Kind
	Format Format
	Size   VolumeDescriptor
}

// Viewport is a pixel rectangle; scissor always equals viewport in this pipeline.
type Viewport struct {
	X, Y          int
	Width, Height int
}

// TargetState is everything an output-merger bind installs.
type TargetState struct {
	Colors   []View
	Depth    View
	Viewport Viewport
}

// Params is the typed parameter block handed to every technique.
type Params struct {
	World         mgl32.Mat4
	WorldViewProj mgl32.Mat4
	NormalMatrix  mgl32.Mat3
	Color         mgl32.Vec4
	ExtentMin     mgl32.Vec3
	ExtentMax     mgl32.Vec3
	TextureSize   mgl32.Vec3
	SliceIndex    int32
	SliceCount    int32
	IsoValue      float32
	ShowIsoColor  bool
	BlendFactor   float32
	Weight        float32
}

// Device is a GPU backend. Implementations need not be safe for concurrent use;
// the pipeline drives them from a single thread.
type Device interface {
	CreateTexture(desc TextureDesc) (Texture, error)
	CreateVertexBuffer(label string, stride int, data []byte) (Buffer, error)
	// Technique resolves a compiled program by name; unknown names are a
	// contract violation.
	Technique(name string) (Technique, error)
	Context() Context
	Release()
}

type Texture interface {
	Desc() TextureDesc
	NewTargetView() (View, error)
	NewSourceView() (View, error)
	Release()
}

type View interface {
	Texture() Texture
	Release()
}

type Buffer interface {
	// Len is the number of vertices the buffer holds.
	Len() int
	Release()
}

type Technique interface {
	Name() string
	HasParam(name string) bool
}

// Context is the immediate-mode command stream of a device.
type Context interface {
	Targets() TargetState
	SetTargets(s TargetState)
	// SetSource attaches v to the named input slot; nil detaches.
	SetSource(slot string, v View)
	ClearDepth(v View, depth float32)
	ClearColor(v View, rgba [4]float32)
	// CopySlice copies the whole 2D src into depth layer slice of the 3D dst.
	CopySlice(src, dst Texture, slice int) error
	Draw(t Technique, p *Params, vb Buffer, first, count int) error
	// ReadSlice returns layer slice of tex as RGBA float32 texels, row-major.
	ReadSlice(tex Texture, slice int) ([]float32, error)
	Flush() error
}
