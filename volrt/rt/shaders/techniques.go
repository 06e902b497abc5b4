package shaders

import (
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
)

// Technique identifiers.
const (
	GenerateVoronoiDiagram = "GenerateVoronoiDiagram"
	DiffuseTexture         = "DiffuseTexture"
	RenderOneBlackSlice    = "RenderOneBlackSlice"
	RenderOneColorSlice    = "RenderOneColorSlice"
	RenderIsoSurface       = "RenderIsoSurface"
)

// Parameter identifiers.
const (
	ParamWorld         = "mWorld"
	ParamWorldViewProj = "mWorldViewProj"
	ParamNormalMatrix  = "mNormalMatrix"
	ParamColor         = "vColor"
	ParamExtentMin     = "vExtentMin"
	ParamExtentMax     = "vExtentMax"
	ParamSliceCount    = "iSliceCount"
	ParamWeight        = "fWeight"
	ParamBlendFactor   = "fBlendFactor"
	ParamIsoValue      = "fIsoValue"
	ParamTextureSize   = "vTextureSize"
	ParamSliceIndex    = "iSliceIndex"
	ParamShowIsoColor  = "bShowIsoColor"
)

// Source slots, in WGSL binding order.
const (
	SlotDistance = "txDistance"
	SlotSource   = "txSource"
)

func Slots() []string {
	return []string{SlotDistance, SlotSource}
}

var declared = map[string][]string{
	GenerateVoronoiDiagram: {ParamWorld, ParamWorldViewProj, ParamNormalMatrix, ParamColor,
		ParamExtentMin, ParamExtentMax, ParamSliceIndex, ParamSliceCount, ParamWeight},
	DiffuseTexture:      {ParamTextureSize, ParamSliceIndex, ParamBlendFactor},
	RenderOneBlackSlice: {ParamSliceIndex},
	RenderOneColorSlice: {ParamTextureSize, ParamSliceIndex},
	RenderIsoSurface:    {ParamTextureSize, ParamSliceIndex, ParamIsoValue, ParamShowIsoColor},
}

// required lists the bindings the pipeline cannot run without.
var required = map[string][]string{
	GenerateVoronoiDiagram: {ParamWorldViewProj, ParamSliceIndex},
	DiffuseTexture:         {ParamTextureSize, ParamBlendFactor},
	RenderOneBlackSlice:    nil,
	RenderOneColorSlice:    {ParamSliceIndex, ParamTextureSize},
	RenderIsoSurface:       {ParamIsoValue, ParamShowIsoColor, ParamTextureSize},
}

// Techniques is the resolved set of programs the generators draw with.
type Techniques struct {
	Voronoi    gpu.Technique
	Diffuse    gpu.Technique
	BlackSlice gpu.Technique
	ColorSlice gpu.Technique
	IsoSurface gpu.Technique
}

// Resolve looks every technique up once and checks its parameter bindings.
// Any missing technique or parameter is a contract violation.
func Resolve(dev gpu.Device) (*Techniques, error) {
	lookup := func(name string) (gpu.Technique, error) {
		t, err := dev.Technique(name)
		if err != nil {
			return nil, err
		}
		for _, p := range required[name] {
			if !t.HasParam(p) {
				return nil, gpu.Contractf("technique %s has no parameter %s", name, p)
			}
		}
		return t, nil
	}

	var (
		ts  Techniques
		err error
	)
	if ts.Voronoi, err = lookup(GenerateVoronoiDiagram); err != nil {
		return nil, err
	}
	if ts.Diffuse, err = lookup(DiffuseTexture); err != nil {
		return nil, err
	}
	if ts.BlackSlice, err = lookup(RenderOneBlackSlice); err != nil {
		return nil, err
	}
	if ts.ColorSlice, err = lookup(RenderOneColorSlice); err != nil {
		return nil, err
	}
	if ts.IsoSurface, err = lookup(RenderIsoSurface); err != nil {
		return nil, err
	}
	return &ts, nil
}

// WGSLPrograms returns the webgpu implementation of every technique.
func WGSLPrograms() map[string]gpu.WGSLProgram {
	slice := func(body string) string { return CommonWGSL + "\n" + body }
	color := []gpu.Format{gpu.FormatColor}
	return map[string]gpu.WGSLProgram{
		GenerateVoronoiDiagram: {
			Source:    slice(VoronoiWGSL),
			Params:    declared[GenerateVoronoiDiagram],
			Vertex:    gpu.VertexPosition,
			Targets:   []gpu.Format{gpu.FormatColor, gpu.FormatScalar},
			DepthTest: true,
		},
		DiffuseTexture: {
			Source:  slice(DiffuseWGSL),
			Params:  declared[DiffuseTexture],
			Vertex:  gpu.VertexSlice,
			Targets: color,
		},
		RenderOneBlackSlice: {
			Source:  slice(BlackSliceWGSL),
			Params:  declared[RenderOneBlackSlice],
			Vertex:  gpu.VertexSlice,
			Targets: color,
		},
		RenderOneColorSlice: {
			Source:  slice(ColorSliceWGSL),
			Params:  declared[RenderOneColorSlice],
			Vertex:  gpu.VertexSlice,
			Targets: color,
		},
		RenderIsoSurface: {
			Source:  slice(IsoSurfaceWGSL),
			Params:  declared[RenderIsoSurface],
			Vertex:  gpu.VertexSlice,
			Targets: color,
		},
	}
}

// MemoryPrograms returns the CPU reference implementation of every technique.
func MemoryPrograms() map[string]gpu.MemoryProgram {
	return map[string]gpu.MemoryProgram{
		GenerateVoronoiDiagram: {Kernel: voronoiKernel, Params: declared[GenerateVoronoiDiagram]},
		DiffuseTexture:         {Kernel: diffuseKernel, Params: declared[DiffuseTexture]},
		RenderOneBlackSlice:    {Kernel: blackSliceKernel, Params: declared[RenderOneBlackSlice]},
		RenderOneColorSlice:    {Kernel: colorSliceKernel, Params: declared[RenderOneColorSlice]},
		RenderIsoSurface:       {Kernel: isoSurfaceKernel, Params: declared[RenderIsoSurface]},
	}
}

// NewMemoryDevice returns a CPU device with every technique installed.
func NewMemoryDevice() *gpu.MemoryDevice {
	return gpu.NewMemoryDevice(MemoryPrograms())
}
