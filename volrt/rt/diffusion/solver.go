package diffusion

import (
	"fmt"

	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"
	"github.com/gekko3d/volsynth/volrt/rt/volume"
)

type State struct {
	// ActiveIndex is the ping-pong buffer the next iteration writes into.
	ActiveIndex  int
	IsoValue     float32
	ShowIsoColor bool
}

// BlendSchedule returns the blend factor of every iteration of an n-step run:
// n evenly spaced samples from 1 down to 1/n.
func BlendSchedule(n int) []float32 {
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = 1 - float32(i)/float32(n)
	}
	return out
}

// Solver smooths a Voronoi color volume by repeated box blurs and extracts
// isosurfaces and single layers from the result.
type Solver struct {
	rm   *gpu.ResourceManager
	dev  gpu.Device
	tech *shaders.Techniques
	log  core.Logger

	desc  gpu.VolumeDescriptor
	quads gpu.Buffer

	buffers [2]gpu.Handle
	slice   gpu.Handle
	iso     gpu.Handle
	scratch gpu.Handle

	state  State
	result gpu.Handle
}

func New(rm *gpu.ResourceManager, dev gpu.Device, tech *shaders.Techniques, log core.Logger) *Solver {
	return &Solver{
		rm:    rm,
		dev:   dev,
		tech:  tech,
		log:   core.OrNop(log),
		state: State{IsoValue: 0.5},
	}
}

func (s *Solver) handles() []*gpu.Handle {
	return []*gpu.Handle{&s.buffers[0], &s.buffers[1], &s.slice, &s.iso, &s.scratch}
}

// Init allocates both ping-pong buffers, the isolation and isosurface volumes,
// the slice scratch target and the slice quads.
func (s *Solver) Init(desc gpu.VolumeDescriptor) error {
	if s.scratch != gpu.NoHandle {
		return gpu.Contractf("diffusion: already initialized")
	}
	layout, err := volume.NewLayout(volume.Direct, desc.Width, desc.Height, desc.Depth)
	if err != nil {
		return err
	}
	quads, err := layout.Upload(s.dev, "diffusion.quads")
	if err != nil {
		return fmt.Errorf("diffusion: init: %w", err)
	}

	names := []string{"diffusion.ping", "diffusion.pong", "diffusion.slice", "diffusion.iso"}
	hs := s.handles()
	fail := func(err error) error {
		for _, h := range hs {
			if *h != gpu.NoHandle {
				_ = s.rm.Release(*h)
				*h = gpu.NoHandle
			}
		}
		quads.Release()
		return fmt.Errorf("diffusion: init: %w", err)
	}
	for i, name := range names {
		h, err := s.rm.Allocate3D(name, gpu.FormatColor, desc.Width, desc.Height, desc.Depth)
		if err != nil {
			return fail(err)
		}
		*hs[i] = h
	}
	if s.scratch, err = s.rm.Allocate2D("diffusion.scratch", gpu.FormatColor, desc.Width, desc.Height); err != nil {
		return fail(err)
	}

	s.desc = desc
	s.quads = quads
	s.Reset()
	s.log.Debugf("diffusion: initialized %dx%dx%d", desc.Width, desc.Height, desc.Depth)
	return nil
}

func (s *Solver) State() State { return s.state }

func (s *Solver) Descriptor() gpu.VolumeDescriptor { return s.desc }

// Buffers returns the two ping-pong handles.
func (s *Solver) Buffers() [2]gpu.Handle { return s.buffers }

// Result is the handle returned by the last RenderDiffusion call.
func (s *Solver) Result() gpu.Handle { return s.result }

func (s *Solver) IsoVolume() gpu.Handle { return s.iso }

func (s *Solver) SliceVolume() gpu.Handle { return s.slice }

func (s *Solver) SetIsoValue(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.state.IsoValue = v
}

func (s *Solver) SetShowIsoColor(show bool) { s.state.ShowIsoColor = show }

// Reset points the next iteration at buffer 0 and forgets the last result.
func (s *Solver) Reset() {
	s.state.ActiveIndex = 0
	s.result = gpu.NoHandle
}

// Resize resizes every volume in place, rebuilds the slice quads and resets.
func (s *Solver) Resize(desc gpu.VolumeDescriptor) error {
	if s.scratch == gpu.NoHandle {
		return gpu.Contractf("diffusion: resize before init")
	}
	layout, err := volume.NewLayout(volume.Direct, desc.Width, desc.Height, desc.Depth)
	if err != nil {
		return err
	}
	s.Reset()
	for _, h := range []gpu.Handle{s.buffers[0], s.buffers[1], s.slice, s.iso} {
		if err := s.rm.Resize(h, desc); err != nil {
			return fmt.Errorf("diffusion: resize %s: %w", s.rm.Name(h), err)
		}
	}
	flat := gpu.VolumeDescriptor{Width: desc.Width, Height: desc.Height, Depth: 1}
	if err := s.rm.Resize(s.scratch, flat); err != nil {
		return fmt.Errorf("diffusion: resize %s: %w", s.rm.Name(s.scratch), err)
	}
	if desc.Depth != s.desc.Depth {
		quads, err := layout.Upload(s.dev, "diffusion.quads")
		if err != nil {
			return fmt.Errorf("diffusion: resize: %w", err)
		}
		s.quads.Release()
		s.quads = quads
	}
	s.desc = desc
	return nil
}

func (s *Solver) textureSize() [3]float32 {
	return [3]float32{float32(s.desc.Width), float32(s.desc.Height), float32(s.desc.Depth)}
}

func (s *Solver) checkInput(h gpu.Handle, what string) error {
	if s.scratch == gpu.NoHandle {
		return gpu.Contractf("diffusion: used before init")
	}
	desc, err := s.rm.Descriptor(h)
	if err != nil {
		return err
	}
	if desc != s.desc {
		return gpu.Contractf("diffusion: %s is %dx%dx%d, solver is %dx%dx%d", what,
			desc.Width, desc.Height, desc.Depth, s.desc.Width, s.desc.Height, s.desc.Depth)
	}
	return nil
}

// RenderDiffusion runs n blur iterations starting from the voronoi color volume
// and returns the handle holding the last iteration. n == 0 returns voronoi
// itself and leaves the ping-pong state alone.
func (s *Solver) RenderDiffusion(voronoi, distance gpu.Handle, n int) (gpu.Handle, error) {
	if n < 0 {
		return gpu.NoHandle, gpu.Contractf("diffusion: negative iteration count %d", n)
	}
	if err := s.checkInput(voronoi, "voronoi volume"); err != nil {
		return gpu.NoHandle, err
	}
	if n == 0 {
		s.result = voronoi
		return voronoi, nil
	}

	if err := s.rm.BindAsSource(distance, shaders.SlotDistance); err != nil {
		return gpu.NoHandle, err
	}
	defer s.rm.UnbindSource(shaders.SlotDistance)

	size := s.textureSize()
	for i, blend := range BlendSchedule(n) {
		src := voronoi
		if i > 0 {
			src = s.buffers[1-s.state.ActiveIndex]
		}
		dst := s.buffers[s.state.ActiveIndex]
		if err := s.rm.BindAsSource(src, shaders.SlotSource); err != nil {
			return gpu.NoHandle, err
		}
		err := s.renderSlices(dst, func(z int) (gpu.Technique, *gpu.Params) {
			return s.tech.Diffuse, &gpu.Params{TextureSize: size, SliceIndex: int32(z), BlendFactor: blend}
		})
		s.rm.UnbindSource(shaders.SlotSource)
		if err != nil {
			return gpu.NoHandle, err
		}
		s.state.ActiveIndex = 1 - s.state.ActiveIndex
	}

	s.result = s.buffers[1-s.state.ActiveIndex]
	s.log.Debugf("diffusion: %d iterations, result %s", n, s.rm.Name(s.result))
	return s.result, nil
}

// RenderOneDiffusionSlice copies layer slice of src into the isolation volume
// and clears every other layer to the off value.
func (s *Solver) RenderOneDiffusionSlice(slice int, src gpu.Handle) (gpu.Handle, error) {
	if err := s.checkInput(src, "source volume"); err != nil {
		return gpu.NoHandle, err
	}
	if slice < 0 || slice >= s.desc.Depth {
		return gpu.NoHandle, gpu.Contractf("diffusion: isolate slice %d of %d", slice, s.desc.Depth)
	}
	if err := s.rm.BindAsSource(src, shaders.SlotSource); err != nil {
		return gpu.NoHandle, err
	}
	defer s.rm.UnbindSource(shaders.SlotSource)

	size := s.textureSize()
	err := s.renderSlices(s.slice, func(z int) (gpu.Technique, *gpu.Params) {
		if z == slice {
			return s.tech.ColorSlice, &gpu.Params{TextureSize: size, SliceIndex: int32(z)}
		}
		return s.tech.BlackSlice, &gpu.Params{SliceIndex: int32(z)}
	})
	if err != nil {
		return gpu.NoHandle, err
	}
	return s.slice, nil
}

// renderSlices draws one slice quad per layer into the scratch target and
// copies each into layer z of dst. pick supplies the technique and parameters.
func (s *Solver) renderSlices(dst gpu.Handle, pick func(z int) (gpu.Technique, *gpu.Params)) error {
	ctx := s.dev.Context()
	for z := 0; z < s.desc.Depth; z++ {
		tech, p := pick(z)
		if err := s.rm.BindAsTarget(s.scratch); err != nil {
			return err
		}
		first, count := volume.SliceRange(z)
		if err := ctx.Draw(tech, p, s.quads, first, count); err != nil {
			_ = s.rm.UnbindTargets()
			return fmt.Errorf("diffusion: %s slice %d: %w", tech.Name(), z, err)
		}
		if err := s.rm.UnbindTargets(); err != nil {
			return err
		}
		if err := s.rm.CopySliceInto3D(s.scratch, dst, z); err != nil {
			return err
		}
	}
	return nil
}

// RenderIsoSurface thresholds src at the current iso value slice by slice.
func (s *Solver) RenderIsoSurface(src gpu.Handle) (gpu.Handle, error) {
	if err := s.checkInput(src, "source volume"); err != nil {
		return gpu.NoHandle, err
	}
	if err := s.rm.BindAsSource(src, shaders.SlotSource); err != nil {
		return gpu.NoHandle, err
	}
	defer s.rm.UnbindSource(shaders.SlotSource)

	size := s.textureSize()
	err := s.renderSlices(s.iso, func(z int) (gpu.Technique, *gpu.Params) {
		return s.tech.IsoSurface, &gpu.Params{
			TextureSize:  size,
			SliceIndex:   int32(z),
			IsoValue:     s.state.IsoValue,
			ShowIsoColor: s.state.ShowIsoColor,
		}
	})
	if err != nil {
		return gpu.NoHandle, err
	}
	return s.iso, nil
}

// Release frees every resource the solver owns.
func (s *Solver) Release() {
	for _, h := range s.handles() {
		if *h != gpu.NoHandle {
			_ = s.rm.Release(*h)
			*h = gpu.NoHandle
		}
	}
	if s.quads != nil {
		s.quads.Release()
		s.quads = nil
	}
	s.Reset()
}
