package volsynth

import (
	"context"
	"testing"
	"time"

	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"
	"github.com/gekko3d/volsynth/volrt/rt/volume"
	"github.com/gekko3d/volsynth/volrt/rt/voronoi"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(w, h, d int) *Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.Resolution = Resolution{Width: w, Height: h, Depth: d}
	cfg.Surfaces = []SurfaceConfig{
		{Name: "a", Shape: ShapeSphere, Size: []float32{1}, Rings: 4, Segments: 6,
			Position: [3]float32{-2, 0, 0}, Color: [4]float32{1, 0, 0, 1}},
		{Name: "b", Shape: ShapeBox, Size: []float32{1, 1, 1},
			Position: [3]float32{2, 0, 0}, Color: [4]float32{0, 0, 1, 1}},
	}
	return cfg
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestPipeline(t *testing.T, cfg *Config) (*Pipeline, *gpu.MemoryDevice, *clock) {
	t.Helper()
	dev := shaders.NewMemoryDevice()
	p, err := NewPipeline(dev, cfg, nil, nil)
	require.NoError(t, err)
	c := &clock{t: time.Unix(1000, 0)}
	p.now = c.now
	t.Cleanup(p.Close)
	return p, dev, c
}

func runFrames(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.Frame())
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(64, 64, 16))

	runFrames(t, p, 15)
	st := p.Status()
	assert.False(t, st.Ready)
	assert.Equal(t, voronoi.Generating, st.Phase)
	assert.Equal(t, 94, st.Progress)
	assert.Equal(t, p.gen.ColorVolume(), p.Displayed())

	runFrames(t, p, 1)
	st = p.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 0, p.solver.State().ActiveIndex, "8 iterations end on buffer 0")
	assert.Equal(t, p.solver.Buffers()[1], p.Displayed())

	m := p.Metrics()
	assert.Equal(t, 16.0, testutil.ToFloat64(m.SlicesGenerated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiagramsCompleted))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.DiffusionIterations))
	assert.Equal(t, float64(p.rm.Live()), testutil.ToFloat64(m.LiveHandles))

	// a finished diagram is not regenerated
	runFrames(t, p, 3)
	assert.Equal(t, 16.0, testutil.ToFloat64(m.SlicesGenerated))
}

func TestPipelineMovingSurfaceRegenerates(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(8, 8, 4))
	runFrames(t, p, 4)
	require.True(t, p.Status().Ready)

	p.Surfaces()[1].Transform.SetPosition(mgl32.Vec3{3, 1, 0})
	runFrames(t, p, 1)
	st := p.Status()
	assert.False(t, st.Ready)
	assert.Equal(t, 1, p.gen.State().CurrentSlice)

	runFrames(t, p, 3)
	assert.True(t, p.Status().Ready)
}

func TestPipelineNewDiagramRestartsDiffusionParity(t *testing.T) {
	cfg := testConfig(8, 8, 4)
	cfg.Iterations = 3
	p, _, _ := newTestPipeline(t, cfg)

	runFrames(t, p, 4)
	require.True(t, p.Status().Ready)
	assert.Equal(t, 1, p.solver.State().ActiveIndex, "3 iterations end on buffer 1")
	assert.Equal(t, p.solver.Buffers()[0], p.Displayed())

	p.Surfaces()[0].Transform.SetPosition(mgl32.Vec3{-2, 1, 0})
	runFrames(t, p, 1)
	require.False(t, p.Status().Ready)
	assert.Equal(t, 0, p.solver.State().ActiveIndex)

	runFrames(t, p, 3)
	require.True(t, p.Status().Ready)
	assert.Equal(t, 1, p.solver.State().ActiveIndex)
	assert.Equal(t, p.solver.Buffers()[0], p.Displayed())

	p.Regenerate()
	assert.Equal(t, 0, p.solver.State().ActiveIndex)
	runFrames(t, p, 4)
	require.True(t, p.Status().Ready)
	assert.Equal(t, 1, p.solver.State().ActiveIndex)
	assert.Equal(t, p.solver.Buffers()[0], p.Displayed())

	// re-diffusing a finished diagram keeps the same parity
	require.NoError(t, p.SetDiffusion(3, 0.6, false))
	assert.Equal(t, 1, p.solver.State().ActiveIndex)
	assert.Equal(t, p.solver.Buffers()[0], p.Displayed())
	require.NoError(t, p.SetDiffusion(2, 0.6, false))
	assert.Equal(t, 0, p.solver.State().ActiveIndex)
	assert.Equal(t, p.solver.Buffers()[1], p.Displayed())
}

func TestPipelineZeroIterationsShowsVoronoi(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(8, 8, 2))
	runFrames(t, p, 2)

	before := p.solver.State().ActiveIndex
	require.NoError(t, p.SetDiffusion(0, 0.5, false))
	assert.Equal(t, p.gen.ColorVolume(), p.Displayed())
	assert.Equal(t, before, p.solver.State().ActiveIndex)

	require.NoError(t, p.SetDiffusion(3, 0.5, true))
	assert.Equal(t, p.solver.Result(), p.Displayed())
	assert.True(t, p.Status().ShowIsoColor)
	assert.ErrorIs(t, p.SetDiffusion(-1, 0.5, false), ErrInvalidConfig)
}

func TestPipelineViews(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(8, 8, 3))

	_, err := p.Isolate(1)
	assert.ErrorIs(t, err, ErrNotReady)

	runFrames(t, p, 3)
	p.SetView(ViewIsoSurface)
	assert.Equal(t, p.solver.IsoVolume(), p.Displayed())
	p.SetView(ViewVoronoi)
	assert.Equal(t, p.gen.ColorVolume(), p.Displayed())

	h, err := p.Isolate(1)
	require.NoError(t, err)
	assert.Equal(t, p.solver.SliceVolume(), h)
	assert.Equal(t, h, p.Displayed())
	assert.Equal(t, ViewIsolated, p.Status().View)

	off, err := p.Snapshot(0)
	require.NoError(t, err)
	for _, v := range off {
		assert.Zero(t, v)
	}
}

func TestPipelineResolutionChange(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(8, 8, 2))
	runFrames(t, p, 2)
	color := p.gen.ColorVolume()

	want := gpu.VolumeDescriptor{Width: 6, Height: 4, Depth: 5}
	require.NoError(t, p.SetResolution(want))
	assert.False(t, p.Status().Ready)
	assert.Equal(t, color, p.gen.ColorVolume(), "resized in place")

	runFrames(t, p, 4)
	assert.False(t, p.Status().Ready)
	runFrames(t, p, 1)
	assert.True(t, p.Status().Ready)

	d, err := p.rm.Descriptor(p.Displayed())
	require.NoError(t, err)
	assert.Equal(t, want, d)
	assert.ErrorIs(t, p.SetResolution(gpu.VolumeDescriptor{}), ErrInvalidConfig)
}

func TestPipelineAllocationFailureBacksOff(t *testing.T) {
	p, dev, clk := newTestPipeline(t, testConfig(4, 4, 2))
	runFrames(t, p, 2)
	dev.MaxBytes = dev.UsedBytes() + 64

	err := p.SetResolution(gpu.VolumeDescriptor{Width: 32, Height: 32, Depth: 8})
	require.ErrorIs(t, err, gpu.ErrAllocationFailure)
	assert.False(t, gpu.IsFatal(err))
	assert.True(t, p.Status().Retrying)
	assert.Equal(t, 0, p.rm.Live())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().AllocationFailures))

	// nothing happens before the backoff expires
	require.NoError(t, p.Frame())
	assert.True(t, p.Status().Retrying)

	// the retry fails again while memory is still short
	clk.t = clk.t.Add(time.Minute)
	assert.ErrorIs(t, p.Frame(), gpu.ErrAllocationFailure)
	assert.True(t, p.Status().Retrying)

	dev.MaxBytes = 0
	clk.t = clk.t.Add(time.Minute)
	require.NoError(t, p.Frame())
	assert.False(t, p.Status().Retrying)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Reinitializations))
	assert.Equal(t, 1, p.gen.State().CurrentSlice, "re-init frame also steps")

	runFrames(t, p, 7)
	assert.True(t, p.Status().Ready)
}

func TestPipelineInitFailureStartsRetrying(t *testing.T) {
	dev := shaders.NewMemoryDevice()
	dev.MaxBytes = 16
	p, err := NewPipeline(dev, testConfig(4, 4, 2), nil, nil)
	require.NoError(t, err)
	assert.True(t, p.Status().Retrying)
	_, err = p.Snapshot(0)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPipelineMissingTechniqueIsFatal(t *testing.T) {
	progs := shaders.MemoryPrograms()
	delete(progs, shaders.RenderIsoSurface)
	_, err := NewPipeline(gpu.NewMemoryDevice(progs), testConfig(4, 4, 2), nil, nil)
	require.Error(t, err)
	assert.True(t, gpu.IsFatal(err))
}

func TestPipelineAtlasMatchesLayers(t *testing.T) {
	const w, h, d = 4, 3, 5
	p, _, _ := newTestPipeline(t, testConfig(w, h, d))
	runFrames(t, p, d)
	p.SetView(ViewVoronoi)

	atlas, layout, err := p.Atlas()
	require.NoError(t, err)
	assert.Equal(t, volume.Grid, layout.Mode)
	fw, fh := layout.FlatSize()
	desc, err := p.rm.Descriptor(atlas)
	require.NoError(t, err)
	assert.Equal(t, gpu.VolumeDescriptor{Width: fw, Height: fh, Depth: 1}, desc)

	flat, err := p.rm.ReadSlice(atlas, 0)
	require.NoError(t, err)
	for z := 0; z < d; z++ {
		layer, err := p.Snapshot(z)
		require.NoError(t, err)
		col, row := layout.Tile(z)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				ax, ay := col*w+x, row*h+y
				got := flat[(ay*fw+ax)*4 : (ay*fw+ax)*4+4]
				assert.Equal(t, layer[(y*w+x)*4:(y*w+x)*4+4], got, "z=%d x=%d y=%d", z, x, y)
			}
		}
	}

	// a second call reuses the same target
	again, _, err := p.Atlas()
	require.NoError(t, err)
	assert.Equal(t, atlas, again)
}

func TestPipelineApply(t *testing.T) {
	cfg := testConfig(8, 8, 2)
	p, _, _ := newTestPipeline(t, cfg)
	runFrames(t, p, 2)

	next := testConfig(8, 8, 2)
	next.IsoValue = 0.8
	require.NoError(t, p.Apply(next))
	assert.True(t, p.Status().Ready, "diffusion change keeps the diagram")
	assert.Equal(t, float32(0.8), p.Status().IsoValue)

	next = testConfig(8, 8, 2)
	next.IsoValue = 0.8
	next.Surfaces[0].Position = [3]float32{-3, 0, 0}
	require.NoError(t, p.Apply(next))
	runFrames(t, p, 1)
	assert.False(t, p.Status().Ready)
	assert.Equal(t, mgl32.Vec3{-3, 0, 0}, p.Surfaces()[0].Transform.Position)

	bad := testConfig(8, 8, 2)
	bad.Iterations = -1
	assert.ErrorIs(t, p.Apply(bad), ErrInvalidConfig)
}

func TestRunUntilReady(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(8, 8, 6))
	n, err := p.RunUntilReady(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, p.Status().Ready)

	p.Regenerate()
	n, err = p.RunUntilReady(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 2, n)
}

func TestRunUntilReadyStopsOnCancel(t *testing.T) {
	dev := shaders.NewMemoryDevice()
	dev.MaxBytes = 16
	p, err := NewPipeline(dev, testConfig(4, 4, 2), nil, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.RunUntilReady(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.Status().Retrying)
}
