package voronoi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"

	"github.com/go-gl/mathgl/mgl32"
)

type Phase int

const (
	Idle Phase = iota
	Generating
)

func (p Phase) String() string {
	if p == Generating {
		return "generating"
	}
	return "idle"
}

type State struct {
	Phase        Phase
	CurrentSlice int
}

// Ownership weights written to the alpha channel of the color volume. The
// medial surface between the two seeds sits at iso value 0.5.
const (
	WeightA float32 = 1
	WeightB float32 = 0
)

var (
	clearColor    = [4]float32{0, 0, 0, 0}
	clearDistance = [4]float32{1, 0, 0, 1}
)

// Generator builds the color and distance volumes one depth slice per Step.
type Generator struct {
	rm   *gpu.ResourceManager
	dev  gpu.Device
	tech *shaders.Techniques
	log  core.Logger

	desc      gpu.VolumeDescriptor
	extent    core.BoundingExtent
	hasExtent bool
	surfaces  [2]*core.Surface
	buffers   [2]gpu.Buffer

	color         gpu.Handle
	distance      gpu.Handle
	sliceColor    gpu.Handle
	sliceDistance gpu.Handle
	sliceDepth    gpu.Handle

	state State
}

func New(rm *gpu.ResourceManager, dev gpu.Device, tech *shaders.Techniques, log core.Logger) *Generator {
	return &Generator{rm: rm, dev: dev, tech: tech, log: core.OrNop(log)}
}

// Init allocates the destination volumes and the slice targets. On failure
// every handle allocated so far is released again.
func (g *Generator) Init(desc gpu.VolumeDescriptor) error {
	if g.color != gpu.NoHandle {
		return gpu.Contractf("voronoi: already initialized")
	}
	targets := []struct {
		h      *gpu.Handle
		name   string
		format gpu.Format
		flat   bool
	}{
		{&g.color, "voronoi.color", gpu.FormatColor, false},
		{&g.distance, "voronoi.distance", gpu.FormatScalar, false},
		{&g.sliceColor, "voronoi.slice.color", gpu.FormatColor, true},
		{&g.sliceDistance, "voronoi.slice.distance", gpu.FormatScalar, true},
		{&g.sliceDepth, "voronoi.slice.depth", gpu.FormatDepth, true},
	}
	for i, t := range targets {
		var (
			h   gpu.Handle
			err error
		)
		if t.flat {
			h, err = g.rm.Allocate2D(t.name, t.format, desc.Width, desc.Height)
		} else {
			h, err = g.rm.Allocate3D(t.name, t.format, desc.Width, desc.Height, desc.Depth)
		}
		if err != nil {
			for _, prev := range targets[:i] {
				_ = g.rm.Release(*prev.h)
			}
			g.clearHandles()
			return fmt.Errorf("voronoi: init: %w", err)
		}
		*t.h = h
	}

	g.desc = desc
	g.Reset()
	g.log.Debugf("voronoi: initialized %dx%dx%d", desc.Width, desc.Height, desc.Depth)
	return nil
}

func (g *Generator) clearHandles() {
	g.color, g.distance = gpu.NoHandle, gpu.NoHandle
	g.sliceColor, g.sliceDistance, g.sliceDepth = gpu.NoHandle, gpu.NoHandle, gpu.NoHandle
}

func encodePositions(vs []mgl32.Vec3) []byte {
	b := make([]byte, len(vs)*12)
	for i, v := range vs {
		for j := 0; j < 3; j++ {
			binary.LittleEndian.PutUint32(b[i*12+j*4:], math.Float32bits(v[j]))
		}
	}
	return b
}

// SetSurfaces uploads the model-space geometry of both seeds and restarts the
// diagram. Transforms are read on every Step and need no upload.
func (g *Generator) SetSurfaces(a, b *core.Surface) error {
	var next [2]gpu.Buffer
	for i, s := range [2]*core.Surface{a, b} {
		if s == nil || len(s.Vertices) == 0 {
			continue
		}
		buf, err := g.dev.CreateVertexBuffer(fmt.Sprintf("voronoi.surface.%s", s.Name), 12, encodePositions(s.Vertices))
		if err != nil {
			if next[0] != nil {
				next[0].Release()
			}
			return fmt.Errorf("voronoi: upload %q: %w", s.Name, err)
		}
		next[i] = buf
	}
	g.releaseBuffers()
	g.surfaces = [2]*core.Surface{a, b}
	g.buffers = next
	g.Reset()
	return nil
}

func (g *Generator) releaseBuffers() {
	for i, b := range g.buffers {
		if b != nil {
			b.Release()
			g.buffers[i] = nil
		}
	}
}

// SetExtent installs the domain of the diagram. A changed extent restarts it.
func (g *Generator) SetExtent(e core.BoundingExtent) {
	if g.hasExtent && e == g.extent {
		return
	}
	g.extent = e
	g.hasExtent = true
	g.Reset()
}

func (g *Generator) Extent() core.BoundingExtent { return g.extent }

// Resize resizes every handle in place and restarts the diagram. A failure
// leaves each handle valid, though possibly at its old size.
func (g *Generator) Resize(desc gpu.VolumeDescriptor) error {
	if g.color == gpu.NoHandle {
		return gpu.Contractf("voronoi: resize before init")
	}
	flat := gpu.VolumeDescriptor{Width: desc.Width, Height: desc.Height, Depth: 1}
	steps := []struct {
		h gpu.Handle
		d gpu.VolumeDescriptor
	}{
		{g.color, desc},
		{g.distance, desc},
		{g.sliceColor, flat},
		{g.sliceDistance, flat},
		{g.sliceDepth, flat},
	}
	g.Reset()
	for _, s := range steps {
		if err := g.rm.Resize(s.h, s.d); err != nil {
			return fmt.Errorf("voronoi: resize %s: %w", g.rm.Name(s.h), err)
		}
	}
	g.desc = desc
	return nil
}

// Reset returns the generator to Idle at slice 0.
func (g *Generator) Reset() {
	g.state = State{Phase: Idle}
}

func (g *Generator) State() State { return g.state }

func (g *Generator) Descriptor() gpu.VolumeDescriptor { return g.desc }

// Progress is the percentage of slices of the current pass already written.
func (g *Generator) Progress() int {
	if g.desc.Depth == 0 {
		return 0
	}
	return int(math.Round(float64(g.state.CurrentSlice) * 100 / float64(g.desc.Depth)))
}

func (g *Generator) ColorVolume() gpu.Handle    { return g.color }
func (g *Generator) DistanceVolume() gpu.Handle { return g.distance }

// Step renders the current slice and advances. complete is true exactly when
// the last slice of the pass was written; the generator is then Idle again and
// the next Step starts a new pass.
func (g *Generator) Step() (complete bool, err error) {
	if g.color == gpu.NoHandle {
		return false, gpu.Contractf("voronoi: step before init")
	}
	if !g.hasExtent {
		return false, gpu.Contractf("voronoi: step without a bounding extent")
	}
	if g.state.Phase == Idle {
		g.state = State{Phase: Generating}
		g.log.Debugf("voronoi: pass started over %v..%v", g.extent.Min, g.extent.Max)
	}
	z := g.state.CurrentSlice

	proj := g.extent.OrthoProjection()

	if err := g.rm.ClearTarget(g.sliceColor, clearColor); err != nil {
		return false, err
	}
	if err := g.rm.ClearTarget(g.sliceDistance, clearDistance); err != nil {
		return false, err
	}
	if err := g.rm.ClearDepthBuffer(g.sliceDepth); err != nil {
		return false, err
	}
	if err := g.rm.BindTargets(g.sliceDepth, g.sliceColor, g.sliceDistance); err != nil {
		return false, err
	}

	ctx := g.dev.Context()
	weights := [2]float32{WeightA, WeightB}
	for i, s := range g.surfaces {
		buf := g.buffers[i]
		if s == nil || buf == nil {
			continue
		}
		model := s.Model()
		p := &gpu.Params{
			World:         model,
			WorldViewProj: proj.Mul4(model),
			NormalMatrix:  s.NormalMatrix(),
			Color:         s.Color,
			ExtentMin:     g.extent.Min,
			ExtentMax:     g.extent.Max,
			SliceIndex:    int32(z),
			SliceCount:    int32(g.desc.Depth),
			Weight:        weights[i],
		}
		if err := ctx.Draw(g.tech.Voronoi, p, buf, 0, buf.Len()); err != nil {
			_ = g.rm.UnbindTargets()
			return false, fmt.Errorf("voronoi: slice %d surface %q: %w", z, s.Name, err)
		}
	}
	if err := g.rm.UnbindTargets(); err != nil {
		return false, err
	}

	if err := g.rm.CopySliceInto3D(g.sliceColor, g.color, z); err != nil {
		return false, err
	}
	if err := g.rm.CopySliceInto3D(g.sliceDistance, g.distance, z); err != nil {
		return false, err
	}

	g.state.CurrentSlice++
	if g.state.CurrentSlice == g.desc.Depth {
		g.state = State{Phase: Idle}
		g.log.Debugf("voronoi: pass complete (%d slices)", g.desc.Depth)
		return true, nil
	}
	return false, nil
}

// Release frees every resource the generator owns.
func (g *Generator) Release() {
	g.releaseBuffers()
	for _, h := range []gpu.Handle{g.color, g.distance, g.sliceColor, g.sliceDistance, g.sliceDepth} {
		if h != gpu.NoHandle {
			_ = g.rm.Release(h)
		}
	}
	g.clearHandles()
	g.Reset()
}
