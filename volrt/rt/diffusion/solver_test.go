package diffusion

import (
	"testing"

	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dev      *gpu.MemoryDevice
	rm       *gpu.ResourceManager
	solver   *Solver
	voronoi  gpu.Handle
	distance gpu.Handle
}

func newFixture(t *testing.T, desc gpu.VolumeDescriptor) *fixture {
	t.Helper()
	dev := shaders.NewMemoryDevice()
	tech, err := shaders.Resolve(dev)
	require.NoError(t, err)
	rm := gpu.NewResourceManager(dev, nil)

	voronoi, err := rm.Allocate3D("voronoi", gpu.FormatColor, desc.Width, desc.Height, desc.Depth)
	require.NoError(t, err)
	distance, err := rm.Allocate3D("distance", gpu.FormatScalar, desc.Width, desc.Height, desc.Depth)
	require.NoError(t, err)
	tex, err := rm.Texture(distance)
	require.NoError(t, err)
	for i := range tex.(*gpu.MemoryTexture).Texels {
		tex.(*gpu.MemoryTexture).Texels[i] = 1
	}

	s := New(rm, dev, tech, nil)
	require.NoError(t, s.Init(desc))
	return &fixture{dev: dev, rm: rm, solver: s, voronoi: voronoi, distance: distance}
}

func (f *fixture) texture(t *testing.T, h gpu.Handle) *gpu.MemoryTexture {
	t.Helper()
	tex, err := f.rm.Texture(h)
	require.NoError(t, err)
	return tex.(*gpu.MemoryTexture)
}

func TestBlendSchedule(t *testing.T) {
	assert.Nil(t, BlendSchedule(0))
	assert.Equal(t, []float32{1}, BlendSchedule(1))
	assert.Equal(t, []float32{1, 0.75, 0.5, 0.25}, BlendSchedule(4))

	s := BlendSchedule(10)
	for i := 1; i < len(s); i++ {
		assert.Less(t, s[i], s[i-1])
	}
	assert.InDelta(t, 0.1, s[9], 1e-6)
}

func TestPingPongParity(t *testing.T) {
	cases := []struct {
		n      int
		active int
		result int
	}{
		{1, 1, 0},
		{3, 1, 0},
		{8, 0, 1},
	}
	for _, c := range cases {
		f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
		got, err := f.solver.RenderDiffusion(f.voronoi, f.distance, c.n)
		require.NoError(t, err)
		assert.Equal(t, c.active, f.solver.State().ActiveIndex, "n=%d", c.n)
		assert.Equal(t, f.solver.Buffers()[c.result], got, "n=%d", c.n)
		assert.Equal(t, got, f.solver.Result())
	}
}

func TestZeroIterationsPassThrough(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
	_, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 3)
	require.NoError(t, err)
	before := f.solver.State()
	f.dev.RecordCommands(true)

	got, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 0)
	require.NoError(t, err)
	assert.Equal(t, f.voronoi, got)
	assert.Equal(t, before, f.solver.State())
	assert.Empty(t, f.dev.Commands())
}

func TestDiffusionBlursAcrossBoundary(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 1, Depth: 1})
	src := f.texture(t, f.voronoi)
	for x, a := range []float32{1, 1, 0, 0} {
		src.Set(x, 0, 0, [4]float32{a, 0, 0, a})
	}

	got, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 1)
	require.NoError(t, err)
	texels, err := f.rm.ReadSlice(got, 0)
	require.NoError(t, err)

	alpha := []float32{texels[3], texels[7], texels[11], texels[15]}
	assert.InDelta(t, 1, alpha[0], 1e-6)
	assert.InDelta(t, 2.0/3, alpha[1], 1e-6)
	assert.InDelta(t, 1.0/3, alpha[2], 1e-6)
	assert.InDelta(t, 0, alpha[3], 1e-6)

	// the input is never written
	assert.Equal(t, float32(1), src.At(1, 0, 0)[3])
}

func TestZeroDistanceKeepsOwnership(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 1, Depth: 1})
	src := f.texture(t, f.voronoi)
	for x, a := range []float32{1, 1, 0, 0} {
		src.Set(x, 0, 0, [4]float32{0, 0, 0, a})
	}
	dist := f.texture(t, f.distance)
	for i := range dist.Texels {
		dist.Texels[i] = 0
	}

	got, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 4)
	require.NoError(t, err)
	texels, err := f.rm.ReadSlice(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 0, 0}, []float32{texels[3], texels[7], texels[11], texels[15]})
}

func TestDiffusionWritesEveryLayerAndUnbinds(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 3})
	f.dev.RecordCommands(true)
	_, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 2)
	require.NoError(t, err)

	copies, draws := 0, 0
	for _, c := range f.dev.Commands() {
		switch c.Op {
		case "copy":
			copies++
		case "draw":
			draws++
			assert.Equal(t, shaders.DiffuseTexture, c.Technique)
		}
	}
	assert.Equal(t, 6, copies)
	assert.Equal(t, 6, draws)

	cmds := f.dev.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, "unbind-source", last.Op)
	assert.Equal(t, shaders.SlotDistance, last.Label)

	// neither buffer is still bound as a source
	probe, err := f.rm.Allocate2D("probe", gpu.FormatColor, 2, 2)
	require.NoError(t, err)
	for _, h := range f.solver.Buffers() {
		assert.NoError(t, f.rm.CopySliceInto3D(probe, h, 0))
	}
}

func TestRenderOneDiffusionSlice(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 3})
	src := f.texture(t, f.voronoi)
	for z := 0; z < 3; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				src.Set(x, y, z, [4]float32{float32(z + 1), 0, 0, 1})
			}
		}
	}
	slice := f.texture(t, f.solver.SliceVolume())
	for i := range slice.Texels {
		slice.Texels[i] = 9
	}

	got, err := f.solver.RenderOneDiffusionSlice(1, f.voronoi)
	require.NoError(t, err)
	assert.Equal(t, f.solver.SliceVolume(), got)
	for z := 0; z < 3; z++ {
		texels, err := f.rm.ReadSlice(got, z)
		require.NoError(t, err)
		for i := 0; i < len(texels); i += 4 {
			if z == 1 {
				assert.Equal(t, []float32{2, 0, 0, 1}, texels[i:i+4])
			} else {
				assert.Equal(t, []float32{0, 0, 0, 0}, texels[i:i+4])
			}
		}
	}

	_, err = f.solver.RenderOneDiffusionSlice(3, f.voronoi)
	assert.ErrorIs(t, err, gpu.ErrContractViolation)
}

func TestRenderIsoSurface(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 1, Depth: 2})
	src := f.texture(t, f.voronoi)
	for z := 0; z < 2; z++ {
		for x, a := range []float32{0.9, 0.8, 0.2, 0.1} {
			src.Set(x, 0, z, [4]float32{0.3, 0.3, 0.3, a})
		}
	}

	f.solver.SetIsoValue(0.5)
	got, err := f.solver.RenderIsoSurface(f.voronoi)
	require.NoError(t, err)
	assert.Equal(t, f.solver.IsoVolume(), got)

	for z := 0; z < 2; z++ {
		texels, err := f.rm.ReadSlice(got, z)
		require.NoError(t, err)
		assert.Zero(t, texels[3], "x=0 z=%d", z)
		assert.Equal(t, float32(1), texels[7], "x=1 z=%d", z)
		assert.Equal(t, float32(1), texels[11], "x=2 z=%d", z)
		assert.Zero(t, texels[15], "x=3 z=%d", z)
	}

	// the threshold moves the crossing
	f.solver.SetIsoValue(0.85)
	_, err = f.solver.RenderIsoSurface(f.voronoi)
	require.NoError(t, err)
	texels, err := f.rm.ReadSlice(got, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), texels[3])
	assert.Equal(t, float32(1), texels[7])
	assert.Zero(t, texels[11])
}

func TestIsoValueIsClamped(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 1, Height: 1, Depth: 1})
	assert.Equal(t, float32(0.5), f.solver.State().IsoValue)
	f.solver.SetIsoValue(2)
	assert.Equal(t, float32(1), f.solver.State().IsoValue)
	f.solver.SetIsoValue(-1)
	assert.Equal(t, float32(0), f.solver.State().IsoValue)
	f.solver.SetShowIsoColor(true)
	assert.True(t, f.solver.State().ShowIsoColor)
}

func TestDepthOneVolume(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 3, Height: 3, Depth: 1})
	_, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 5)
	require.NoError(t, err)
	_, err = f.solver.RenderIsoSurface(f.solver.Result())
	require.NoError(t, err)
}

func TestMismatchedInputIsContractViolation(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
	other, err := f.rm.Allocate3D("other", gpu.FormatColor, 2, 2, 3)
	require.NoError(t, err)

	_, err = f.solver.RenderDiffusion(other, f.distance, 1)
	assert.ErrorIs(t, err, gpu.ErrContractViolation)
	_, err = f.solver.RenderDiffusion(f.voronoi, f.distance, -1)
	assert.ErrorIs(t, err, gpu.ErrContractViolation)
	_, err = f.solver.RenderIsoSurface(other)
	assert.ErrorIs(t, err, gpu.ErrContractViolation)
	_, err = f.solver.RenderOneDiffusionSlice(0, f.solver.SliceVolume())
	assert.ErrorIs(t, err, gpu.ErrContractViolation, "source and destination alias")
}

func TestResizeResetsAndRebuildsQuads(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
	_, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 1)
	require.NoError(t, err)
	ping := f.solver.Buffers()[0]

	want := gpu.VolumeDescriptor{Width: 3, Height: 2, Depth: 4}
	require.NoError(t, f.solver.Resize(want))
	assert.Equal(t, State{IsoValue: 0.5}, f.solver.State())
	assert.Equal(t, gpu.NoHandle, f.solver.Result())
	assert.Equal(t, ping, f.solver.Buffers()[0])

	require.NoError(t, f.rm.Resize(f.voronoi, want))
	require.NoError(t, f.rm.Resize(f.distance, want))
	got, err := f.solver.RenderDiffusion(f.voronoi, f.distance, 2)
	require.NoError(t, err)
	d, err := f.rm.Descriptor(got)
	require.NoError(t, err)
	assert.Equal(t, want, d)
}

func TestInitFailureReleasesEverything(t *testing.T) {
	dev := shaders.NewMemoryDevice()
	tech, err := shaders.Resolve(dev)
	require.NoError(t, err)
	rm := gpu.NewResourceManager(dev, nil)
	dev.MaxBytes = 3 * 2 * 2 * 2 * 16

	s := New(rm, dev, tech, nil)
	err = s.Init(gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
	require.ErrorIs(t, err, gpu.ErrAllocationFailure)
	assert.Equal(t, 0, rm.Live())
	assert.Zero(t, dev.UsedBytes())
	assert.Equal(t, [2]gpu.Handle{}, s.Buffers())
}

func TestRelease(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2})
	f.solver.Release()
	assert.Equal(t, 2, f.rm.Live())
	_, err := f.solver.RenderIsoSurface(f.voronoi)
	assert.ErrorIs(t, err, gpu.ErrContractViolation)
}
