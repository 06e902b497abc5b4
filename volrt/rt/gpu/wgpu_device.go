package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"
)

// ParamsSize is the byte size of the WGSL Params uniform block.
const ParamsSize = 272

// VertexLayout selects the vertex input of a WGSL program.
type VertexLayout int

const (
	// VertexPosition is one float32x3 position per vertex.
	VertexPosition VertexLayout = iota + 1
	// VertexSlice is the 28-byte slice quad vertex: position, texcoord, slice index.
	VertexSlice
)

// WGSLProgram is a technique implementation for WGPUDevice. Every program
// shares the same bind group layout: group 0 holds the Params uniform, group 1
// holds one texture_3d<f32> per source slot in slot order.
type WGSLProgram struct {
	Source    string
	Params    []string
	Vertex    VertexLayout
	Targets   []Format
	DepthTest bool
}

// WGPUDevice runs techniques on a webgpu device. Each context operation is
// encoded and submitted on its own, so uniform writes and commands stay in
// program order on the queue.
type WGPUDevice struct {
	Device *wgpu.Device
	Queue  *wgpu.Queue

	slots      []string
	techniques map[string]*wgpuTechnique
	uniformBGL *wgpu.BindGroupLayout
	sourceBGL  *wgpu.BindGroupLayout
	layout     *wgpu.PipelineLayout
	uniform    *wgpu.Buffer
	uniformBG  *wgpu.BindGroup
	dummy      *wgpu.Texture
	dummyView  *wgpu.TextureView
	ctx        *wgpuContext
}

func toWGPUFormat(f Format) wgpu.TextureFormat {
	switch f {
	case FormatColor:
		return wgpu.TextureFormatRGBA32Float
	case FormatScalar:
		return wgpu.TextureFormatR32Float
	case FormatDepth:
		return wgpu.TextureFormatDepth32Float
	}
	return wgpu.TextureFormatUndefined
}

// NewWGPUDevice builds one render pipeline per program. slots names the source
// slots in binding order. A program that fails to compile is a build error and
// reported as a contract violation.
func NewWGPUDevice(device *wgpu.Device, queue *wgpu.Queue, programs map[string]WGSLProgram, slots []string) (*WGPUDevice, error) {
	d := &WGPUDevice{
		Device:     device,
		Queue:      queue,
		slots:      slots,
		techniques: make(map[string]*wgpuTechnique, len(programs)),
	}
	d.ctx = &wgpuContext{dev: d, sources: make(map[string]*wgpuView)}

	var err error
	d.uniformBGL, err = device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "Params BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
				Buffer: wgpu.BufferBindingLayout{
					Type:           wgpu.BufferBindingTypeUniform,
					MinBindingSize: ParamsSize,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create params layout: %w", err)
	}

	entries := make([]wgpu.BindGroupLayoutEntry, len(slots))
	for i := range slots {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageFragment,
			Texture: wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeUnfilterableFloat,
				ViewDimension: wgpu.TextureViewDimension3D,
			},
		}
	}
	d.sourceBGL, err = device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   "Sources BGL",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create sources layout: %w", err)
	}

	d.layout, err = device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{d.uniformBGL, d.sourceBGL},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	d.uniform, err = device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Params",
		Size:  ParamsSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, allocf(err, "params buffer")
	}
	d.uniformBG, err = device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Params BG",
		Layout: d.uniformBGL,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: d.uniform, Size: ParamsSize},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create params bind group: %w", err)
	}

	// Empty source slots read a 1x1x1 placeholder.
	d.dummy, err = device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "Empty Source",
		Size:          wgpu.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension3D,
		Format:        wgpu.TextureFormatRGBA32Float,
		Usage:         wgpu.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, allocf(err, "empty source texture")
	}
	d.dummyView, err = d.dummy.CreateView(&wgpu.TextureViewDescriptor{
		Label:           "Empty Source View",
		Format:          wgpu.TextureFormatRGBA32Float,
		Dimension:       wgpu.TextureViewDimension3D,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, allocf(err, "empty source view")
	}

	for name, prog := range programs {
		t, err := d.buildTechnique(name, prog)
		if err != nil {
			return nil, err
		}
		d.techniques[name] = t
	}
	return d, nil
}

type wgpuTechnique struct {
	name     string
	prog     WGSLProgram
	pipeline *wgpu.RenderPipeline
}

func (t *wgpuTechnique) Name() string { return t.name }

func (t *wgpuTechnique) HasParam(name string) bool {
	for _, p := range t.prog.Params {
		if p == name {
			return true
		}
	}
	return false
}

func (d *WGPUDevice) buildTechnique(name string, prog WGSLProgram) (*wgpuTechnique, error) {
	module, err := d.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prog.Source},
	})
	if err != nil {
		return nil, contractf("compile technique %q: %v", name, err)
	}

	var buffers []wgpu.VertexBufferLayout
	switch prog.Vertex {
	case VertexPosition:
		buffers = []wgpu.VertexBufferLayout{{
			ArrayStride: 12,
			StepMode:    wgpu.VertexStepModeVertex,
			Attributes: []wgpu.VertexAttribute{
				{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
			},
		}}
	case VertexSlice:
		buffers = []wgpu.VertexBufferLayout{{
			ArrayStride: 28,
			StepMode:    wgpu.VertexStepModeVertex,
			Attributes: []wgpu.VertexAttribute{
				{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
				{Format: wgpu.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
				{Format: wgpu.VertexFormatSint32, Offset: 24, ShaderLocation: 2},
			},
		}}
	default:
		return nil, contractf("technique %q: unknown vertex layout %d", name, prog.Vertex)
	}

	targets := make([]wgpu.ColorTargetState, len(prog.Targets))
	for i, f := range prog.Targets {
		targets[i] = wgpu.ColorTargetState{
			Format:    toWGPUFormat(f),
			WriteMask: wgpu.ColorWriteMaskAll,
		}
	}

	var depth *wgpu.DepthStencilState
	if prog.DepthTest {
		depth = &wgpu.DepthStencilState{
			Format:            wgpu.TextureFormatDepth32Float,
			DepthWriteEnabled: true,
			DepthCompare:      wgpu.CompareFunctionLess,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		}
	}

	pipeline, err := d.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  name,
		Layout: d.layout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers:    buffers,
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets:    targets,
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		DepthStencil: depth,
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, contractf("build pipeline %q: %v", name, err)
	}
	return &wgpuTechnique{name: name, prog: prog, pipeline: pipeline}, nil
}

func (d *WGPUDevice) Technique(name string) (Technique, error) {
	t, ok := d.techniques[name]
	if !ok {
		return nil, contractf("technique %q not found", name)
	}
	return t, nil
}

func (d *WGPUDevice) Context() Context { return d.ctx }

func (d *WGPUDevice) CreateTexture(desc TextureDesc) (Texture, error) {
	if desc.Kind == Kind3D && desc.Format == FormatDepth {
		return nil, contractf("texture %q: 3D depth textures are not supported", desc.Label)
	}
	dim := wgpu.TextureDimension2D
	usage := wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopySrc | wgpu.TextureUsageCopyDst
	if desc.Kind == Kind3D {
		dim = wgpu.TextureDimension3D
	} else {
		usage |= wgpu.TextureUsageRenderAttachment
	}
	tex, err := d.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              uint32(desc.Size.Width),
			Height:             uint32(desc.Size.Height),
			DepthOrArrayLayers: uint32(desc.Size.Depth),
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     dim,
		Format:        toWGPUFormat(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return nil, allocf(err, "texture %q", desc.Label)
	}
	return &WGPUTexture{dev: d, desc: desc, tex: tex}, nil
}

type wgpuBuffer struct {
	buf    *wgpu.Buffer
	count  int
	stride int
}

func (b *wgpuBuffer) Len() int { return b.count }

func (b *wgpuBuffer) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

func (d *WGPUDevice) CreateVertexBuffer(label string, stride int, data []byte) (Buffer, error) {
	if stride <= 0 || len(data) == 0 || len(data)%stride != 0 {
		return nil, contractf("vertex buffer %q: %d bytes is not a multiple of stride %d", label, len(data), stride)
	}
	buf, err := d.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: data,
		Usage:    wgpu.BufferUsageVertex,
	})
	if err != nil {
		return nil, allocf(err, "vertex buffer %q", label)
	}
	return &wgpuBuffer{buf: buf, count: len(data) / stride, stride: stride}, nil
}

func (d *WGPUDevice) Release() {
	for _, t := range d.techniques {
		t.pipeline.Release()
	}
	d.techniques = nil
	if d.dummyView != nil {
		d.dummyView.Release()
	}
	if d.dummy != nil {
		d.dummy.Release()
	}
	if d.uniformBG != nil {
		d.uniformBG.Release()
	}
	if d.uniform != nil {
		d.uniform.Release()
	}
}

// WGPUTexture is a managed texture on a WGPUDevice.
type WGPUTexture struct {
	dev  *WGPUDevice
	desc TextureDesc
	tex  *wgpu.Texture
}

func (t *WGPUTexture) Desc() TextureDesc { return t.desc }

// Raw exposes the webgpu texture for presentation.
func (t *WGPUTexture) Raw() *wgpu.Texture { return t.tex }

func (t *WGPUTexture) NewTargetView() (View, error) {
	if t.desc.Kind != Kind2D {
		return nil, contractf("texture %q: 3D render targets are not supported", t.desc.Label)
	}
	aspect := wgpu.TextureAspectAll
	if t.desc.Format == FormatDepth {
		aspect = wgpu.TextureAspectDepthOnly
	}
	v, err := t.tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           t.desc.Label + " target",
		Format:          toWGPUFormat(t.desc.Format),
		Dimension:       wgpu.TextureViewDimension2D,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
		Aspect:          aspect,
	})
	if err != nil {
		return nil, allocf(err, "target view %q", t.desc.Label)
	}
	return &wgpuView{tex: t, view: v}, nil
}

func (t *WGPUTexture) NewSourceView() (View, error) {
	if t.desc.Kind != Kind3D {
		return nil, contractf("texture %q: only 3D textures can be sampled", t.desc.Label)
	}
	v, err := t.tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           t.desc.Label + " source",
		Format:          toWGPUFormat(t.desc.Format),
		Dimension:       wgpu.TextureViewDimension3D,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, allocf(err, "source view %q", t.desc.Label)
	}
	return &wgpuView{tex: t, view: v}, nil
}

func (t *WGPUTexture) Release() {
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}

type wgpuView struct {
	tex  *WGPUTexture
	view *wgpu.TextureView
}

func (v *wgpuView) Texture() Texture { return v.tex }

// Raw exposes the webgpu view for presentation.
func (v *wgpuView) Raw() *wgpu.TextureView { return v.view }

func (v *wgpuView) Release() {
	if v.view != nil {
		v.view.Release()
		v.view = nil
	}
}

func asWGPUView(v View) (*wgpuView, error) {
	wv, ok := v.(*wgpuView)
	if !ok || wv == nil || wv.view == nil {
		return nil, contractf("view %T does not belong to the webgpu device", v)
	}
	return wv, nil
}

func asWGPUTexture(t Texture) (*WGPUTexture, error) {
	wt, ok := t.(*WGPUTexture)
	if !ok || wt == nil || wt.tex == nil {
		return nil, contractf("texture %T does not belong to the webgpu device", t)
	}
	return wt, nil
}

type wgpuContext struct {
	dev     *WGPUDevice
	targets TargetState
	sources map[string]*wgpuView
}

func (c *wgpuContext) Targets() TargetState { return c.targets }

func (c *wgpuContext) SetTargets(s TargetState) { c.targets = s }

func (c *wgpuContext) SetSource(slot string, v View) {
	if v == nil {
		delete(c.sources, slot)
		return
	}
	if wv, err := asWGPUView(v); err == nil {
		c.sources[slot] = wv
	}
}

func (c *wgpuContext) submit(label string, record func(enc *wgpu.CommandEncoder) error) error {
	enc, err := c.dev.Device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return allocf(err, "command encoder %s", label)
	}
	defer enc.Release()
	if err := record(enc); err != nil {
		return err
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish %s: %w", label, err)
	}
	defer cmd.Release()
	c.dev.Queue.Submit(cmd)
	return nil
}

func (c *wgpuContext) clear(label string, color *wgpuView, rgba [4]float32, depth *wgpuView, d float32) {
	_ = c.submit(label, func(enc *wgpu.CommandEncoder) error {
		desc := &wgpu.RenderPassDescriptor{Label: label}
		if color != nil {
			desc.ColorAttachments = []wgpu.RenderPassColorAttachment{{
				View:    color.view,
				LoadOp:  wgpu.LoadOpClear,
				StoreOp: wgpu.StoreOpStore,
				ClearValue: wgpu.Color{
					R: float64(rgba[0]),
					G: float64(rgba[1]),
					B: float64(rgba[2]),
					A: float64(rgba[3]),
				},
			}}
		}
		if depth != nil {
			desc.DepthStencilAttachment = &wgpu.RenderPassDepthStencilAttachment{
				View:            depth.view,
				DepthLoadOp:     wgpu.LoadOpClear,
				DepthStoreOp:    wgpu.StoreOpStore,
				DepthClearValue: d,
			}
		}
		pass := enc.BeginRenderPass(desc)
		return pass.End()
	})
}

func (c *wgpuContext) ClearDepth(v View, depth float32) {
	if wv, err := asWGPUView(v); err == nil {
		c.clear("clear depth", nil, [4]float32{}, wv, depth)
	}
}

func (c *wgpuContext) ClearColor(v View, rgba [4]float32) {
	if wv, err := asWGPUView(v); err == nil {
		c.clear("clear color", wv, rgba, nil, 0)
	}
}

func (c *wgpuContext) CopySlice(src, dst Texture, slice int) error {
	s, err := asWGPUTexture(src)
	if err != nil {
		return err
	}
	d, err := asWGPUTexture(dst)
	if err != nil {
		return err
	}
	if slice < 0 || slice >= d.desc.Size.Depth {
		return contractf("copy into %q: slice %d out of range", d.desc.Label, slice)
	}
	return c.submit("copy slice", func(enc *wgpu.CommandEncoder) error {
		enc.CopyTextureToTexture(
			&wgpu.ImageCopyTexture{
				Texture:  s.tex,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: 0},
				Aspect:   wgpu.TextureAspectAll,
			},
			&wgpu.ImageCopyTexture{
				Texture:  d.tex,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: uint32(slice)},
				Aspect:   wgpu.TextureAspectAll,
			},
			&wgpu.Extent3D{
				Width:              uint32(s.desc.Size.Width),
				Height:             uint32(s.desc.Size.Height),
				DepthOrArrayLayers: 1,
			},
		)
		return nil
	})
}

func (c *wgpuContext) Draw(t Technique, p *Params, vb Buffer, first, count int) error {
	tech, ok := t.(*wgpuTechnique)
	if !ok {
		return contractf("technique %T does not belong to the webgpu device", t)
	}
	buf, ok := vb.(*wgpuBuffer)
	if !ok || buf.buf == nil {
		return contractf("buffer %T does not belong to the webgpu device", vb)
	}
	if first < 0 || count < 0 || first+count > buf.count {
		return contractf("draw %s: vertices [%d,%d) outside buffer of %d", tech.name, first, first+count, buf.count)
	}
	if len(c.targets.Colors) != len(tech.prog.Targets) {
		return contractf("draw %s: %d color targets bound, program writes %d", tech.name, len(c.targets.Colors), len(tech.prog.Targets))
	}
	if tech.prog.DepthTest && c.targets.Depth == nil {
		return contractf("draw %s: program depth tests but no depth target is bound", tech.name)
	}

	colors := make([]wgpu.RenderPassColorAttachment, len(c.targets.Colors))
	for i, v := range c.targets.Colors {
		wv, err := asWGPUView(v)
		if err != nil {
			return err
		}
		if wv.tex.desc.Format != tech.prog.Targets[i] {
			return contractf("draw %s: target %d is %q with the wrong format", tech.name, i, wv.tex.desc.Label)
		}
		colors[i] = wgpu.RenderPassColorAttachment{
			View:    wv.view,
			LoadOp:  wgpu.LoadOpLoad,
			StoreOp: wgpu.StoreOpStore,
		}
	}
	var depth *wgpu.RenderPassDepthStencilAttachment
	if tech.prog.DepthTest {
		dv, err := asWGPUView(c.targets.Depth)
		if err != nil {
			return err
		}
		depth = &wgpu.RenderPassDepthStencilAttachment{
			View:         dv.view,
			DepthLoadOp:  wgpu.LoadOpLoad,
			DepthStoreOp: wgpu.StoreOpStore,
		}
	}

	entries := make([]wgpu.BindGroupEntry, len(c.dev.slots))
	for i, slot := range c.dev.slots {
		view := c.dev.dummyView
		if sv, ok := c.sources[slot]; ok {
			view = sv.view
		}
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), TextureView: view}
	}
	bg, err := c.dev.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   tech.name + " sources",
		Layout:  c.dev.sourceBGL,
		Entries: entries,
	})
	if err != nil {
		return contractf("draw %s: bind sources: %v", tech.name, err)
	}
	defer bg.Release()

	var params Params
	if p != nil {
		params = *p
	}
	c.dev.Queue.WriteBuffer(c.dev.uniform, 0, EncodeParams(&params))

	vp := c.targets.Viewport
	return c.submit(tech.name, func(enc *wgpu.CommandEncoder) error {
		pass := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
			Label:                  tech.name,
			ColorAttachments:       colors,
			DepthStencilAttachment: depth,
		})
		pass.SetPipeline(tech.pipeline)
		pass.SetBindGroup(0, c.dev.uniformBG, nil)
		pass.SetBindGroup(1, bg, nil)
		pass.SetVertexBuffer(0, buf.buf, 0, buf.buf.GetSize())
		pass.SetViewport(float32(vp.X), float32(vp.Y), float32(vp.Width), float32(vp.Height), 0, 1)
		pass.SetScissorRect(uint32(vp.X), uint32(vp.Y), uint32(vp.Width), uint32(vp.Height))
		pass.Draw(uint32(count), 1, uint32(first), 0)
		return pass.End()
	})
}

func (c *wgpuContext) ReadSlice(tex Texture, slice int) ([]float32, error) {
	t, err := asWGPUTexture(tex)
	if err != nil {
		return nil, err
	}
	if slice < 0 || slice >= t.desc.Size.Depth {
		return nil, contractf("read %q: slice %d out of range", t.desc.Label, slice)
	}
	w := uint32(t.desc.Size.Width)
	h := uint32(t.desc.Size.Height)
	texel := uint32(t.desc.Format.BytesPerTexel())
	bytesPerRow := (w*texel + 255) & ^uint32(255)
	size := uint64(bytesPerRow * h)

	readback, err := c.dev.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: t.desc.Label + " readback",
		Size:  size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, allocf(err, "readback buffer for %q", t.desc.Label)
	}
	defer readback.Release()

	aspect := wgpu.TextureAspectAll
	if t.desc.Format == FormatDepth {
		aspect = wgpu.TextureAspectDepthOnly
	}
	err = c.submit("read slice", func(enc *wgpu.CommandEncoder) error {
		enc.CopyTextureToBuffer(
			&wgpu.ImageCopyTexture{
				Texture:  t.tex,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: uint32(slice)},
				Aspect:   aspect,
			},
			&wgpu.ImageCopyBuffer{
				Buffer: readback,
				Layout: wgpu.TextureDataLayout{
					Offset:       0,
					BytesPerRow:  bytesPerRow,
					RowsPerImage: h,
				},
			},
			&wgpu.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var status wgpu.BufferMapAsyncStatus
	if err := readback.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return nil, fmt.Errorf("map readback of %q: %w", t.desc.Label, err)
	}
	c.dev.Device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("map readback of %q: status %v", t.desc.Label, status)
	}
	data := readback.GetMappedRange(0, uint(size))
	defer readback.Unmap()

	out := make([]float32, int(w*h)*4)
	for y := uint32(0); y < h; y++ {
		row := data[y*bytesPerRow:]
		for x := uint32(0); x < w; x++ {
			o := int(y*w+x) * 4
			if t.desc.Format == FormatColor {
				for ch := uint32(0); ch < 4; ch++ {
					out[o+int(ch)] = math.Float32frombits(binary.LittleEndian.Uint32(row[x*16+ch*4:]))
				}
				continue
			}
			out[o] = math.Float32frombits(binary.LittleEndian.Uint32(row[x*4:]))
			out[o+3] = 1
		}
	}
	return out, nil
}

func (c *wgpuContext) Flush() error {
	c.dev.Device.Poll(true, nil)
	return nil
}

// EncodeParams lays out p as the WGSL Params uniform block:
//
//	world mat4x4, world_view_proj mat4x4, normal_matrix mat3x3, color vec4,
//	extent_min vec4, extent_max vec4, texture_size vec4, slice_index i32,
//	slice_count i32, iso_value f32, show_iso_color u32, blend_factor f32, weight f32
func EncodeParams(p *Params) []byte {
	b := make([]byte, ParamsSize)
	off := 0
	putF := func(f float32) {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(f))
		off += 4
	}
	for _, f := range p.World {
		putF(f)
	}
	for _, f := range p.WorldViewProj {
		putF(f)
	}
	for col := 0; col < 3; col++ {
		putF(p.NormalMatrix[col*3])
		putF(p.NormalMatrix[col*3+1])
		putF(p.NormalMatrix[col*3+2])
		putF(0)
	}
	for _, f := range p.Color {
		putF(f)
	}
	for _, v := range [][3]float32{p.ExtentMin, p.ExtentMax, p.TextureSize} {
		putF(v[0])
		putF(v[1])
		putF(v[2])
		putF(0)
	}
	binary.LittleEndian.PutUint32(b[off:], uint32(p.SliceIndex))
	off += 4
	binary.LittleEndian.PutUint32(b[off:], uint32(p.SliceCount))
	off += 4
	putF(p.IsoValue)
	show := uint32(0)
	if p.ShowIsoColor {
		show = 1
	}
	binary.LittleEndian.PutUint32(b[off:], show)
	off += 4
	putF(p.BlendFactor)
	putF(p.Weight)
	return b
}
