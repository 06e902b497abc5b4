package voronoi

import (
	"testing"

	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dev *gpu.MemoryDevice
	rm  *gpu.ResourceManager
	gen *Generator
	a   *core.Surface
	b   *core.Surface
}

func newFixture(t *testing.T, desc gpu.VolumeDescriptor) *fixture {
	t.Helper()
	dev := shaders.NewMemoryDevice()
	tech, err := shaders.Resolve(dev)
	require.NoError(t, err)
	rm := gpu.NewResourceManager(dev, nil)
	gen := New(rm, dev, tech, nil)
	require.NoError(t, gen.Init(desc))

	a := core.NewSurface("a", core.Sphere(1, 4, 6), mgl32.Vec4{1, 0, 0, 1})
	a.Transform.SetPosition(mgl32.Vec3{-2, 0, 0})
	b := core.NewSurface("b", core.Box(mgl32.Vec3{1, 1, 1}), mgl32.Vec4{0, 0, 1, 1})
	b.Transform.SetPosition(mgl32.Vec3{2, 0, 0})
	require.NoError(t, gen.SetSurfaces(a, b))
	ext, ok := core.ComputeExtent(a, b)
	require.True(t, ok)
	gen.SetExtent(ext)

	return &fixture{dev: dev, rm: rm, gen: gen, a: a, b: b}
}

func TestStepCompletesOnLastSlice(t *testing.T) {
	for _, depth := range []int{1, 2, 7} {
		f := newFixture(t, gpu.VolumeDescriptor{Width: 8, Height: 8, Depth: depth})
		for call := 1; call <= depth; call++ {
			complete, err := f.gen.Step()
			require.NoError(t, err)
			if call < depth {
				assert.False(t, complete, "depth %d call %d", depth, call)
				assert.Equal(t, State{Phase: Generating, CurrentSlice: call}, f.gen.State())
			} else {
				assert.True(t, complete, "depth %d call %d", depth, call)
				assert.Equal(t, State{Phase: Idle}, f.gen.State())
			}
		}
	}
}

func TestStepAfterCompletionStartsNewPass(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 3})
	for i := 0; i < 3; i++ {
		_, err := f.gen.Step()
		require.NoError(t, err)
	}
	complete, err := f.gen.Step()
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, State{Phase: Generating, CurrentSlice: 1}, f.gen.State())
}

func TestProgress(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 3})
	assert.Equal(t, 0, f.gen.Progress())
	_, err := f.gen.Step()
	require.NoError(t, err)
	assert.Equal(t, 33, f.gen.Progress())
	_, err = f.gen.Step()
	require.NoError(t, err)
	assert.Equal(t, 67, f.gen.Progress())
}

func TestExtentChangeResets(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 4})
	_, err := f.gen.Step()
	require.NoError(t, err)
	_, err = f.gen.Step()
	require.NoError(t, err)

	f.gen.SetExtent(f.gen.Extent())
	assert.Equal(t, 2, f.gen.State().CurrentSlice, "same extent keeps the pass")

	f.b.Transform.SetPosition(mgl32.Vec3{5, 0, 0})
	ext, _ := core.ComputeExtent(f.a, f.b)
	f.gen.SetExtent(ext)
	assert.Equal(t, State{Phase: Idle}, f.gen.State())
}

func TestPausedPassResumes(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 4})
	_, err := f.gen.Step()
	require.NoError(t, err)

	// no calls for a while: the pass stays where it was
	assert.Equal(t, State{Phase: Generating, CurrentSlice: 1}, f.gen.State())
	for i := 0; i < 2; i++ {
		complete, err := f.gen.Step()
		require.NoError(t, err)
		assert.False(t, complete)
	}
	complete, err := f.gen.Step()
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestDiagramAssignsNearestSurface(t *testing.T) {
	const w = 16
	f := newFixture(t, gpu.VolumeDescriptor{Width: w, Height: 8, Depth: 2})
	for i := 0; i < 2; i++ {
		_, err := f.gen.Step()
		require.NoError(t, err)
	}

	texels, err := f.rm.ReadSlice(f.gen.ColorVolume(), 1)
	require.NoError(t, err)
	row := 4 * w * 4
	left := texels[row : row+4]
	right := texels[row+(w-1)*4 : row+w*4]
	assert.Equal(t, []float32{1, 0, 0, WeightA}, left, "left edge belongs to a")
	assert.Equal(t, []float32{0, 0, 1, WeightB}, right, "right edge belongs to b")

	dist, err := f.rm.ReadSlice(f.gen.DistanceVolume(), 1)
	require.NoError(t, err)
	for i := 0; i < len(dist); i += 4 {
		assert.GreaterOrEqual(t, dist[i], float32(0))
		assert.LessOrEqual(t, dist[i], float32(1))
	}
}

func TestStepWritesOnlyCurrentLayer(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 3})
	f.dev.RecordCommands(true)
	_, err := f.gen.Step()
	require.NoError(t, err)

	var copies []int
	for _, c := range f.dev.Commands() {
		if c.Op == "copy" {
			copies = append(copies, c.Slice)
		}
	}
	assert.Equal(t, []int{0, 0}, copies)
}

func TestResizeKeepsHandlesAndResets(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 3})
	color := f.gen.ColorVolume()
	_, err := f.gen.Step()
	require.NoError(t, err)

	want := gpu.VolumeDescriptor{Width: 8, Height: 6, Depth: 5}
	require.NoError(t, f.gen.Resize(want))
	assert.Equal(t, color, f.gen.ColorVolume())
	assert.Equal(t, State{Phase: Idle}, f.gen.State())
	got, err := f.rm.Descriptor(color)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for i := 1; i <= 5; i++ {
		complete, err := f.gen.Step()
		require.NoError(t, err)
		assert.Equal(t, i == 5, complete)
	}
}

func TestStepContractViolations(t *testing.T) {
	dev := shaders.NewMemoryDevice()
	tech, err := shaders.Resolve(dev)
	require.NoError(t, err)
	gen := New(gpu.NewResourceManager(dev, nil), dev, tech, nil)

	_, err = gen.Step()
	assert.ErrorIs(t, err, gpu.ErrContractViolation)

	require.NoError(t, gen.Init(gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2}))
	_, err = gen.Step()
	assert.ErrorIs(t, err, gpu.ErrContractViolation, "no extent yet")
	assert.ErrorIs(t, gen.Init(gpu.VolumeDescriptor{Width: 2, Height: 2, Depth: 2}), gpu.ErrContractViolation)
}

func TestInitFailureReleasesPartialAllocations(t *testing.T) {
	dev := shaders.NewMemoryDevice()
	tech, err := shaders.Resolve(dev)
	require.NoError(t, err)
	rm := gpu.NewResourceManager(dev, nil)
	// room for both volumes but not the slice targets
	dev.MaxBytes = 4*4*4*16 + 4*4*4*4 + 8
	gen := New(rm, dev, tech, nil)

	err = gen.Init(gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 4})
	require.ErrorIs(t, err, gpu.ErrAllocationFailure)
	assert.Equal(t, 0, rm.Live())
	assert.Equal(t, gpu.NoHandle, gen.ColorVolume())

	dev.MaxBytes = 0
	assert.NoError(t, gen.Init(gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 4}))
}

func TestReleaseFreesEverything(t *testing.T) {
	f := newFixture(t, gpu.VolumeDescriptor{Width: 4, Height: 4, Depth: 2})
	f.gen.Release()
	assert.Equal(t, 0, f.rm.Live())
	assert.Zero(t, f.dev.UsedBytes())
}
