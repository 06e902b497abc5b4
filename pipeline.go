package volsynth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/diffusion"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"
	"github.com/gekko3d/volsynth/volrt/rt/volume"
	"github.com/gekko3d/volsynth/volrt/rt/voronoi"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady is returned by operations that need a finished diagram.
var ErrNotReady = errors.New("volsynth: diagram not ready")

// View selects which volume Displayed returns once the diagram is ready.
type View int

const (
	ViewDiffused View = iota
	ViewIsoSurface
	ViewIsolated
	ViewVoronoi
)

func (v View) String() string {
	switch v {
	case ViewDiffused:
		return "diffused"
	case ViewIsoSurface:
		return "iso"
	case ViewIsolated:
		return "isolated"
	case ViewVoronoi:
		return "voronoi"
	}
	return fmt.Sprintf("View(%d)", int(v))
}

// Status is a snapshot for the HUD.
type Status struct {
	Phase        voronoi.Phase
	Progress     int
	Ready        bool
	Retrying     bool
	Resolution   gpu.VolumeDescriptor
	Iterations   int
	IsoValue     float32
	ShowIsoColor bool
	View         View
	Slice        int
}

// Pipeline drives the generator and the solver from a frame loop. It is not
// safe for concurrent use; every method runs on the render thread.
type Pipeline struct {
	log     core.Logger
	metrics *Metrics
	dev     gpu.Device
	rm      *gpu.ResourceManager
	tech    *shaders.Techniques
	gen     *voronoi.Generator
	solver  *diffusion.Solver

	cfg        *Config
	surfaces   [2]*core.Surface
	desc       gpu.VolumeDescriptor
	iterations int
	hasExtent  bool

	ready bool
	view  View
	slice int

	atlas       gpu.Handle
	atlasQuads  gpu.Buffer
	atlasLayout volume.Layout

	retry   *backoff.ExponentialBackOff
	retryAt time.Time
	broken  bool
	now     func() time.Time
}

// NewPipeline resolves the techniques of dev and allocates every volume. A
// missing technique or parameter is returned as a contract violation. An
// allocation failure is not returned: the pipeline starts out waiting for its
// first re-initialization instead.
func NewPipeline(dev gpu.Device, cfg *Config, log core.Logger, metrics *Metrics) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = core.OrNop(log)
	if metrics == nil {
		metrics = NewMetrics()
	}
	tech, err := shaders.Resolve(dev)
	if err != nil {
		return nil, fmt.Errorf("volsynth: resolve techniques: %w", err)
	}

	rm := gpu.NewResourceManager(dev, log)
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.Retry.InitialInterval
	retry.MaxInterval = cfg.Retry.MaxInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	p := &Pipeline{
		log:        log,
		metrics:    metrics,
		dev:        dev,
		rm:         rm,
		tech:       tech,
		gen:        voronoi.New(rm, dev, tech, log),
		solver:     diffusion.New(rm, dev, tech, log),
		cfg:        cfg,
		desc:       cfg.Resolution.Descriptor(),
		iterations: cfg.Iterations,
		retry:      retry,
		now:        time.Now,
	}
	p.surfaces = [2]*core.Surface{cfg.Surfaces[0].Build(), cfg.Surfaces[1].Build()}
	p.solver.SetIsoValue(cfg.IsoValue)
	p.solver.SetShowIsoColor(cfg.ShowIsoColor)

	if err := p.init(); err != nil {
		if err := p.fail(err); gpu.IsFatal(err) {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) init() error {
	if err := p.gen.Init(p.desc); err != nil {
		return err
	}
	if err := p.solver.Init(p.desc); err != nil {
		p.gen.Release()
		return err
	}
	p.ready = false
	return p.syncSurfaces(true)
}

// fail tears the pipeline down after an allocation failure and schedules the
// next re-initialization. Every other error is returned untouched.
func (p *Pipeline) fail(err error) error {
	if !errors.Is(err, gpu.ErrAllocationFailure) {
		return err
	}
	p.metrics.AllocationFailures.Inc()
	p.teardown()
	wait := p.retry.NextBackOff()
	p.retryAt = p.now().Add(wait)
	p.broken = true
	p.log.Warnf("pipeline: %v; re-initializing in %v", err, wait)
	p.updateGauges()
	return err
}

func (p *Pipeline) teardown() {
	p.gen.Release()
	p.solver.Release()
	p.releaseAtlas()
	p.ready = false
}

func (p *Pipeline) reinit() error {
	if err := p.init(); err != nil {
		return err
	}
	p.broken = false
	p.retry.Reset()
	p.metrics.Reinitializations.Inc()
	p.log.Infof("pipeline: re-initialized at %dx%dx%d", p.desc.Width, p.desc.Height, p.desc.Depth)
	return nil
}

// syncSurfaces uploads changed geometry and recomputes the extent after any
// transform change. Either restarts the diagram and the diffusion ping-pong.
func (p *Pipeline) syncSurfaces(force bool) error {
	a, b := p.surfaces[0], p.surfaces[1]
	if force || a.GeometryDirty() || b.GeometryDirty() {
		if err := p.gen.SetSurfaces(a, b); err != nil {
			return err
		}
		p.solver.Reset()
		p.ready = false
	}
	if !force && !a.Dirty() && !b.Dirty() {
		return nil
	}
	ext, ok := core.ComputeExtent(a, b)
	p.hasExtent = ok
	if ok {
		p.gen.SetExtent(ext)
	}
	p.restart()
	a.Clean()
	b.Clean()
	return nil
}

// Frame advances the pipeline by one step: one Voronoi slice while the diagram
// is being built, then diffusion and the isosurface once it completes. Errors
// wrapping gpu.ErrContractViolation are fatal; an allocation failure has
// already scheduled a re-initialization when it is returned.
func (p *Pipeline) Frame() error {
	if p.broken {
		if p.now().Before(p.retryAt) {
			return nil
		}
		if err := p.reinit(); err != nil {
			return p.fail(err)
		}
	}
	if err := p.syncSurfaces(false); err != nil {
		return p.fail(err)
	}
	defer p.updateGauges()
	if p.ready || !p.hasExtent {
		return nil
	}

	start := time.Now()
	complete, err := p.gen.Step()
	p.metrics.ObserveStage(StageVoronoi, start)
	if err != nil {
		return p.fail(err)
	}
	p.metrics.SlicesGenerated.Inc()
	if !complete {
		return nil
	}
	p.metrics.DiagramsCompleted.Inc()
	p.log.Debugf("pipeline: diagram complete")
	return p.fail(p.diffuse())
}

func (p *Pipeline) diffuse() error {
	if p.iterations > 0 {
		p.solver.Reset()
	}
	start := time.Now()
	result, err := p.solver.RenderDiffusion(p.gen.ColorVolume(), p.gen.DistanceVolume(), p.iterations)
	p.metrics.ObserveStage(StageDiffusion, start)
	if err != nil {
		return err
	}
	p.metrics.DiffusionIterations.Add(float64(p.iterations))

	start = time.Now()
	if _, err := p.solver.RenderIsoSurface(result); err != nil {
		return err
	}
	p.metrics.ObserveStage(StageIso, start)
	p.ready = true

	if p.view == ViewIsolated {
		_, err := p.isolate(p.slice)
		return err
	}
	return nil
}

func (p *Pipeline) updateGauges() {
	p.metrics.LiveHandles.Set(float64(p.rm.Live()))
	p.metrics.ResidentBytes.Set(float64(p.rm.Bytes()))
}

// SetDiffusion changes the diffusion parameters and re-runs diffusion on a
// finished diagram.
func (p *Pipeline) SetDiffusion(iterations int, iso float32, showIsoColor bool) error {
	if iterations < 0 {
		return fmt.Errorf("%w: iterations %d", ErrInvalidConfig, iterations)
	}
	p.iterations = iterations
	p.solver.SetIsoValue(iso)
	p.solver.SetShowIsoColor(showIsoColor)
	if !p.ready {
		return nil
	}
	return p.fail(p.diffuse())
}

// SetResolution resizes every volume in place and restarts the diagram.
func (p *Pipeline) SetResolution(desc gpu.VolumeDescriptor) error {
	if !desc.Valid() {
		return fmt.Errorf("%w: resolution %dx%dx%d", ErrInvalidConfig, desc.Width, desc.Height, desc.Depth)
	}
	if desc == p.desc {
		return nil
	}
	p.desc = desc
	p.ready = false
	if p.broken {
		return nil
	}
	if err := p.gen.Resize(desc); err != nil {
		return p.fail(err)
	}
	if err := p.solver.Resize(desc); err != nil {
		return p.fail(err)
	}
	p.log.Infof("pipeline: resized to %dx%dx%d", desc.Width, desc.Height, desc.Depth)
	return nil
}

// Regenerate restarts the diagram from slice 0.
func (p *Pipeline) Regenerate() {
	p.restart()
}

// restart throws away the current diagram. The next diffusion run starts from
// buffer 0 again so the displayed buffer only depends on the iteration count.
func (p *Pipeline) restart() {
	p.gen.Reset()
	p.solver.Reset()
	p.ready = false
}

// Isolate shows one layer of the diffusion result with every other layer off.
func (p *Pipeline) Isolate(slice int) (gpu.Handle, error) {
	if !p.ready {
		return gpu.NoHandle, ErrNotReady
	}
	h, err := p.isolate(slice)
	if err != nil {
		return gpu.NoHandle, p.fail(err)
	}
	return h, nil
}

func (p *Pipeline) isolate(slice int) (gpu.Handle, error) {
	start := time.Now()
	h, err := p.solver.RenderOneDiffusionSlice(slice, p.solver.Result())
	p.metrics.ObserveStage(StageIsolate, start)
	if err != nil {
		return gpu.NoHandle, err
	}
	p.view = ViewIsolated
	p.slice = slice
	return h, nil
}

func (p *Pipeline) SetView(v View) { p.view = v }

// Displayed is the volume a viewer should show: the growing Voronoi diagram
// until it is ready, then the volume picked by the current view.
func (p *Pipeline) Displayed() gpu.Handle {
	if !p.ready {
		return p.gen.ColorVolume()
	}
	switch p.view {
	case ViewIsoSurface:
		return p.solver.IsoVolume()
	case ViewIsolated:
		return p.solver.SliceVolume()
	case ViewVoronoi:
		return p.gen.ColorVolume()
	}
	return p.solver.Result()
}

// Snapshot reads back one layer of the displayed volume as RGBA floats.
func (p *Pipeline) Snapshot(slice int) ([]float32, error) {
	if p.broken {
		return nil, ErrNotReady
	}
	return p.rm.ReadSlice(p.Displayed(), slice)
}

// Atlas flattens every layer of the displayed volume into one 2D grid texture
// and returns its handle together with the grid layout.
func (p *Pipeline) Atlas() (gpu.Handle, volume.Layout, error) {
	if p.broken {
		return gpu.NoHandle, volume.Layout{}, ErrNotReady
	}
	start := time.Now()
	defer p.metrics.ObserveStage(StageAtlas, start)

	layout, err := volume.NewLayout(volume.Grid, p.desc.Width, p.desc.Height, p.desc.Depth)
	if err != nil {
		return gpu.NoHandle, volume.Layout{}, err
	}
	if err := p.ensureAtlas(layout); err != nil {
		return gpu.NoHandle, volume.Layout{}, p.fail(err)
	}

	if err := p.rm.ClearTarget(p.atlas, [4]float32{}); err != nil {
		return gpu.NoHandle, layout, err
	}
	if err := p.rm.BindAsSource(p.Displayed(), shaders.SlotSource); err != nil {
		return gpu.NoHandle, layout, err
	}
	defer p.rm.UnbindSource(shaders.SlotSource)
	if err := p.rm.BindAsTarget(p.atlas); err != nil {
		return gpu.NoHandle, layout, err
	}
	params := &gpu.Params{TextureSize: [3]float32{float32(p.desc.Width), float32(p.desc.Height), float32(p.desc.Depth)}}
	drawErr := p.dev.Context().Draw(p.tech.ColorSlice, params, p.atlasQuads, 0, p.atlasQuads.Len())
	if err := p.rm.UnbindTargets(); err != nil {
		return gpu.NoHandle, layout, err
	}
	if drawErr != nil {
		return gpu.NoHandle, layout, fmt.Errorf("volsynth: atlas: %w", drawErr)
	}
	return p.atlas, layout, nil
}

func (p *Pipeline) ensureAtlas(layout volume.Layout) error {
	if p.atlas != gpu.NoHandle && layout == p.atlasLayout {
		return nil
	}
	fw, fh := layout.FlatSize()
	quads, err := layout.Upload(p.dev, "atlas.quads")
	if err != nil {
		return err
	}
	if p.atlas == gpu.NoHandle {
		h, err := p.rm.Allocate2D("atlas", gpu.FormatColor, fw, fh)
		if err != nil {
			quads.Release()
			return err
		}
		p.atlas = h
	} else if err := p.rm.Resize(p.atlas, gpu.VolumeDescriptor{Width: fw, Height: fh, Depth: 1}); err != nil {
		quads.Release()
		return err
	}
	if p.atlasQuads != nil {
		p.atlasQuads.Release()
	}
	p.atlasQuads = quads
	p.atlasLayout = layout
	return nil
}

func (p *Pipeline) releaseAtlas() {
	if p.atlas != gpu.NoHandle {
		_ = p.rm.Release(p.atlas)
		p.atlas = gpu.NoHandle
	}
	if p.atlasQuads != nil {
		p.atlasQuads.Release()
		p.atlasQuads = nil
	}
	p.atlasLayout = volume.Layout{}
}

// Apply switches to next, touching only what changed.
func (p *Pipeline) Apply(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	ch := Diff(p.cfg, next)
	if next.Backend != p.cfg.Backend {
		p.log.Warnf("pipeline: backend change to %q needs a restart", next.Backend)
	}
	p.cfg = next
	if ch.Geometry {
		p.surfaces = [2]*core.Surface{next.Surfaces[0].Build(), next.Surfaces[1].Build()}
	} else if ch.Pose {
		for i, s := range p.surfaces {
			next.Surfaces[i].Pose(s.Transform)
		}
	}
	if ch.Resolution {
		if err := p.SetResolution(next.Resolution.Descriptor()); err != nil {
			return err
		}
	}
	if ch.Diffusion {
		if err := p.SetDiffusion(next.Iterations, next.IsoValue, next.ShowIsoColor); err != nil {
			return err
		}
	}
	if ch.Any() {
		p.log.Infof("pipeline: config applied %+v", ch)
	}
	return nil
}

func (p *Pipeline) Status() Status {
	st := p.solver.State()
	gs := p.gen.State()
	progress := p.gen.Progress()
	if p.ready {
		progress = 100
	}
	return Status{
		Phase:        gs.Phase,
		Progress:     progress,
		Ready:        p.ready,
		Retrying:     p.broken,
		Resolution:   p.desc,
		Iterations:   p.iterations,
		IsoValue:     st.IsoValue,
		ShowIsoColor: st.ShowIsoColor,
		View:         p.view,
		Slice:        p.slice,
	}
}

func (p *Pipeline) Surfaces() [2]*core.Surface { return p.surfaces }

func (p *Pipeline) Manager() *gpu.ResourceManager { return p.rm }

func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Close releases every resource.
func (p *Pipeline) Close() {
	p.teardown()
	p.rm.ReleaseAll()
	p.updateGauges()
}

// RunUntilReady drives Frame without a viewer until the diagram and its
// diffusion are finished, maxFrames frames have run, or ctx is done. While a
// re-initialization is pending it sleeps until the retry is due. It returns
// the number of frames run.
func (p *Pipeline) RunUntilReady(ctx context.Context, maxFrames int) (int, error) {
	frames := 0
	for !p.ready && (maxFrames <= 0 || frames < maxFrames) {
		if p.broken {
			if wait := p.retryAt.Sub(p.now()); wait > 0 {
				select {
				case <-ctx.Done():
					return frames, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		err := p.Frame()
		frames++
		if err != nil && (gpu.IsFatal(err) || !p.broken) {
			return frames, err
		}
	}
	if !p.ready {
		return frames, ErrNotReady
	}
	return frames, nil
}
