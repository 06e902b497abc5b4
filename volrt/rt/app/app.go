package app

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/gekko3d/volsynth"
	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/editor"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"
	"github.com/gekko3d/volsynth/volrt/rt/volume"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
)

const blitParamsSize = 32

// Keys maps keyboard input to viewer actions.
var Keys = map[glfw.Key]editor.Action{
	glfw.KeyUp:           editor.SliceUp,
	glfw.KeyDown:         editor.SliceDown,
	glfw.KeyG:            editor.ToggleGrid,
	glfw.Key1:            editor.ShowDiffused,
	glfw.Key2:            editor.ShowIsoSurface,
	glfw.Key3:            editor.ShowIsolated,
	glfw.Key4:            editor.ShowVoronoi,
	glfw.KeyRightBracket: editor.MoreIterations,
	glfw.KeyLeftBracket:  editor.FewerIterations,
	glfw.KeyPeriod:       editor.IsoUp,
	glfw.KeyComma:        editor.IsoDown,
	glfw.KeyC:            editor.ToggleIsoColor,
	glfw.KeyR:            editor.Regenerate,
	glfw.KeyTab:          editor.SelectNext,
	glfw.KeyLeft:         editor.NudgeLeft,
	glfw.KeyRight:        editor.NudgeRight,
	glfw.KeyEqual:        editor.Grow,
	glfw.KeyKPAdd:        editor.Grow,
	glfw.KeyMinus:        editor.Shrink,
	glfw.KeyKPSubtract:   editor.Shrink,
	glfw.KeyP:            editor.TogglePause,
	glfw.KeyS:            editor.Dump,
	glfw.KeyF12:          editor.Dump,
}

type App struct {
	Window   *glfw.Window
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Surface  *wgpu.Surface
	Config   *wgpu.SurfaceConfiguration

	Log      core.Logger
	Settings *volsynth.Config
	Metrics  *volsynth.Metrics
	GPU      *gpu.WGPUDevice
	Pipeline *volsynth.Pipeline
	Editor   *editor.Editor
	Profiler *Profiler

	// Updates delivers reloaded configurations; nil when not watching.
	Updates <-chan *volsynth.Config
	DumpDir string

	BlitPipeline *wgpu.RenderPipeline
	BlitBGL      *wgpu.BindGroupLayout
	BlitUniform  *wgpu.Buffer
	BlitBG       *wgpu.BindGroup
	blitHandle   gpu.Handle
	blitTex      *wgpu.Texture
	blitView     *wgpu.TextureView
	Sampler      *wgpu.Sampler

	HUD              *core.HUDFont
	TextPipeline     *wgpu.RenderPipeline
	TextAtlasView    *wgpu.TextureView
	TextBindGroup    *wgpu.BindGroup
	TextVertexBuffer *wgpu.Buffer
	TextLines        []core.HUDLine
	TextVertexCount  uint32

	LastRenderTime float64
	DebugMode      bool

	FrameCount int
	FPS        float64
	FPSTime    float64
}

func NewApp(window *glfw.Window, settings *volsynth.Config, log core.Logger, metrics *volsynth.Metrics) *App {
	return &App{
		Window:   window,
		Settings: settings,
		Log:      core.OrNop(log),
		Metrics:  metrics,
		Editor:   editor.NewEditor(),
		Profiler: NewProfiler(),
		DumpDir:  ".",
	}
}

func (a *App) Init() error {
	a.Instance = wgpu.CreateInstance(nil)

	surface := a.Instance.CreateSurface(GetSurfaceDescriptor(a.Window))
	a.Surface = surface

	adapter, err := a.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return err
	}
	a.Adapter = adapter

	a.Device, err = adapter.RequestDevice(nil)
	if err != nil {
		return err
	}
	a.Queue = a.Device.GetQueue()

	width, height := a.Window.GetFramebufferSize()
	caps := surface.GetCapabilities(adapter)
	format := caps.Formats[0]

	a.Config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	surface.Configure(adapter, a.Device, a.Config)

	a.GPU, err = gpu.NewWGPUDevice(a.Device, a.Queue, shaders.WGSLPrograms(), shaders.Slots())
	if err != nil {
		return fmt.Errorf("create volume device: %w", err)
	}
	a.Pipeline, err = volsynth.NewPipeline(a.GPU, a.Settings, a.Log, a.Metrics)
	if err != nil {
		return err
	}

	if err := a.setupBlit(format); err != nil {
		return err
	}

	a.Sampler, err = a.Device.CreateSampler(&wgpu.SamplerDescriptor{
		MinFilter:     wgpu.FilterModeLinear,
		MagFilter:     wgpu.FilterModeLinear,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return err
	}

	a.HUD, err = core.NewHUDFont(18)
	if err != nil {
		a.Log.Warnf("hud disabled: %v", err)
	} else {
		a.setupTextResources()
	}

	a.LastRenderTime = 0
	return nil
}

func (a *App) setupBlit(format wgpu.TextureFormat) error {
	mod, err := a.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Volume Blit",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.BlitWGSL},
	})
	if err != nil {
		return err
	}

	a.BlitBGL, err = a.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "Blit BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageFragment,
				Texture: wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleTypeUnfilterableFloat,
					ViewDimension: wgpu.TextureViewDimension3D,
				},
			},
			{
				Binding:    1,
				Visibility: wgpu.ShaderStageFragment,
				Buffer: wgpu.BufferBindingLayout{
					Type:           wgpu.BufferBindingTypeUniform,
					MinBindingSize: blitParamsSize,
				},
			},
		},
	})
	if err != nil {
		return err
	}
	layout, err := a.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{a.BlitBGL},
	})
	if err != nil {
		return err
	}

	a.BlitPipeline, err = a.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "Blit Pipeline",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     mod,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     mod,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return err
	}

	a.BlitUniform, err = a.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Blit Params",
		Size:  blitParamsSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	return err
}

// bindDisplayed points the blit bind group at the volume the pipeline
// currently displays. The bind group is rebuilt only when that texture
// changes.
func (a *App) bindDisplayed() bool {
	h := a.Pipeline.Displayed()
	tex, err := a.Pipeline.Manager().Texture(h)
	if err != nil {
		return false
	}
	wt, ok := tex.(*gpu.WGPUTexture)
	if !ok || wt.Raw() == nil {
		return false
	}
	if h == a.blitHandle && wt.Raw() == a.blitTex && a.BlitBG != nil {
		return true
	}

	if a.BlitBG != nil {
		a.BlitBG.Release()
		a.BlitBG = nil
	}
	if a.blitView != nil {
		a.blitView.Release()
		a.blitView = nil
	}
	a.blitView, err = wt.Raw().CreateView(&wgpu.TextureViewDescriptor{
		Label:           "Blit Volume",
		Format:          wgpu.TextureFormatRGBA32Float,
		Dimension:       wgpu.TextureViewDimension3D,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		a.Log.Errorf("blit view: %v", err)
		return false
	}
	a.BlitBG, err = a.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Blit BG",
		Layout: a.BlitBGL,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: a.blitView},
			{Binding: 1, Buffer: a.BlitUniform, Size: blitParamsSize},
		},
	})
	if err != nil {
		a.Log.Errorf("blit bind group: %v", err)
		return false
	}
	a.blitHandle, a.blitTex = h, wt.Raw()
	return true
}

func (a *App) blitParams() []byte {
	b := make([]byte, blitParamsSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(a.Config.Width)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(a.Config.Height)))
	binary.LittleEndian.PutUint32(b[8:], uint32(int32(a.Editor.Slice)))
	if a.Editor.Grid {
		cols, rows := volume.GridFactor(a.Pipeline.Status().Resolution.Depth)
		binary.LittleEndian.PutUint32(b[12:], 1)
		binary.LittleEndian.PutUint32(b[16:], uint32(int32(cols)))
		binary.LittleEndian.PutUint32(b[20:], uint32(int32(rows)))
	}
	return b
}

func (a *App) Resize(w, h int) {
	if w > 0 && h > 0 {
		a.Config.Width = uint32(w)
		a.Config.Height = uint32(h)
		a.Surface.Configure(a.Adapter, a.Device, a.Config)
	}
}

// HandleKey runs the action bound to key.
func (a *App) HandleKey(key glfw.Key, action glfw.Action) {
	if action != glfw.Press && action != glfw.Repeat {
		return
	}
	if key == glfw.KeyEscape && action == glfw.Press {
		a.Window.SetShouldClose(true)
		return
	}
	if key == glfw.KeyF3 && action == glfw.Press {
		a.DebugMode = !a.DebugMode
		a.Log.SetDebug(a.DebugMode)
		return
	}
	act, ok := Keys[key]
	if !ok {
		return
	}
	a.check(a.Editor.Do(a.Pipeline, act, glfw.GetTime()))
}

// check panics on contract violations and logs everything else.
func (a *App) check(err error) {
	if err == nil {
		return
	}
	if gpu.IsFatal(err) {
		panic(err)
	}
	a.Log.Warnf("%v", err)
}

func (a *App) Update() {
	a.Profiler.Reset()

	select {
	case next := <-a.Updates:
		if err := a.Pipeline.Apply(next); err != nil {
			a.check(err)
		} else {
			a.Settings = next
		}
	default:
	}

	a.Editor.Update(a.Pipeline, glfw.GetTime())

	if !a.Editor.Paused {
		a.Profiler.BeginScope("frame")
		a.check(a.Pipeline.Frame())
		a.Profiler.EndScope("frame")
	}
	if a.Editor.DumpRequested {
		a.Editor.DumpRequested = false
		a.Profiler.BeginScope("dump")
		name := fmt.Sprintf("volsynth-%s.png", time.Now().Format("20060102-150405"))
		a.check(a.Pipeline.DumpAtlas(filepath.Join(a.DumpDir, name), 4))
		a.Profiler.EndScope("dump")
	}

	rm := a.Pipeline.Manager()
	a.Profiler.SetCount("handles", rm.Live())
	a.Profiler.SetCount("kib", int(rm.Bytes()/1024))

	var extra []string
	if a.DebugMode {
		extra = a.Profiler.Lines()
	}
	a.TextLines = a.Editor.HUD(a.Pipeline.Status(), a.FPS, extra, a.HUD.LineHeight(1))
	a.updateText()
}

func (a *App) updateText() {
	a.TextVertexCount = 0
	if a.HUD == nil || a.TextPipeline == nil || len(a.TextLines) == 0 {
		return
	}
	vertices := a.HUD.Vertices(a.TextLines, int(a.Config.Width), int(a.Config.Height))
	if len(vertices) == 0 {
		return
	}
	vSize := uint64(len(vertices) * int(unsafe.Sizeof(core.TextVertex{})))
	if a.TextVertexBuffer == nil || a.TextVertexBuffer.GetSize() < vSize {
		if a.TextVertexBuffer != nil {
			a.TextVertexBuffer.Release()
		}
		var err error
		a.TextVertexBuffer, err = a.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "Text VB",
			Size:  vSize,
			Usage: wgpu.BufferUsageVertex | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			a.Log.Errorf("text buffer: %v", err)
			a.TextVertexBuffer = nil
			return
		}
	}
	a.Queue.WriteBuffer(a.TextVertexBuffer, 0, unsafe.Slice((*byte)(unsafe.Pointer(&vertices[0])), vSize))
	a.TextVertexCount = uint32(len(vertices))
}

func (a *App) Render() {
	nextTexture, err := a.Surface.GetCurrentTexture()
	if err != nil {
		a.Log.Errorf("GetCurrentTexture failed: %v", err)
		return
	}
	defer nextTexture.Release()

	view, err := nextTexture.CreateView(nil)
	if err != nil {
		a.Log.Errorf("CreateView failed: %v", err)
		return
	}
	defer view.Release()

	encoder, err := a.Device.CreateCommandEncoder(nil)
	if err != nil {
		a.Log.Errorf("CreateCommandEncoder failed: %v", err)
		return
	}

	haveVolume := a.bindDisplayed()
	if haveVolume {
		a.Queue.WriteBuffer(a.BlitUniform, 0, a.blitParams())
	}

	rPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{0, 0, 0, 1},
		}},
	})
	if haveVolume {
		rPass.SetPipeline(a.BlitPipeline)
		rPass.SetBindGroup(0, a.BlitBG, nil)
		rPass.Draw(3, 1, 0, 0)
	}

	if a.TextVertexCount > 0 && a.TextVertexBuffer != nil {
		rPass.SetPipeline(a.TextPipeline)
		rPass.SetBindGroup(0, a.TextBindGroup, nil)
		rPass.SetVertexBuffer(0, a.TextVertexBuffer, 0, a.TextVertexBuffer.GetSize())
		rPass.Draw(a.TextVertexCount, 1, 0, 0)
	}

	if err := rPass.End(); err != nil {
		a.Log.Errorf("render pass End failed: %v", err)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		a.Log.Errorf("encoder Finish failed: %v", err)
		return
	}
	a.Queue.Submit(cmd)
	a.Surface.Present()

	now := glfw.GetTime()
	if a.LastRenderTime > 0 {
		a.FrameCount++
		a.FPSTime += now - a.LastRenderTime
		if a.FPSTime >= 1.0 {
			a.FPS = float64(a.FrameCount) / a.FPSTime
			a.FrameCount = 0
			a.FPSTime = 0
		}
	}
	a.LastRenderTime = now
}

// Close releases the pipeline before the device it renders with.
func (a *App) Close() {
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.BlitBG != nil {
		a.BlitBG.Release()
	}
	if a.blitView != nil {
		a.blitView.Release()
	}
	if a.GPU != nil {
		a.GPU.Release()
	}
}

func GetSurfaceDescriptor(w *glfw.Window) *wgpu.SurfaceDescriptor {
	return wgpuglfw.GetSurfaceDescriptor(w)
}

func (a *App) setupTextResources() {
	atlas := a.HUD.Atlas
	w, h := atlas.Bounds().Dx(), atlas.Bounds().Dy()
	tex, err := a.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "HUD Atlas",
		Size:          wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		Format:        wgpu.TextureFormatR8Unorm,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
		Dimension:     wgpu.TextureDimension2D,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		a.Log.Errorf("hud atlas: %v", err)
		return
	}
	a.Queue.WriteTexture(tex.AsImageCopy(), atlas.Pix, &wgpu.TextureDataLayout{
		Offset:       0,
		BytesPerRow:  uint32(atlas.Stride),
		RowsPerImage: uint32(h),
	}, &wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1})

	a.TextAtlasView, err = tex.CreateView(nil)
	if err != nil {
		a.Log.Errorf("hud atlas view: %v", err)
		return
	}

	textMod, err := a.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Text Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.TextWGSL},
	})
	if err != nil {
		a.Log.Errorf("text shader module: %v", err)
		return
	}

	a.TextPipeline, err = a.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "Text Pipeline",
		Vertex: wgpu.VertexState{
			Module:     textMod,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride: uint64(unsafe.Sizeof(core.TextVertex{})),
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
					{Format: wgpu.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 2},
				},
			}},
		},
		Fragment: &wgpu.FragmentState{
			Module:     textMod,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format: a.Config.Format,
				Blend: &wgpu.BlendState{
					Color: wgpu.BlendComponent{
						SrcFactor: wgpu.BlendFactorSrcAlpha,
						DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						Operation: wgpu.BlendOperationAdd,
					},
					Alpha: wgpu.BlendComponent{
						SrcFactor: wgpu.BlendFactorOne,
						DstFactor: wgpu.BlendFactorOne,
						Operation: wgpu.BlendOperationAdd,
					},
				},
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		a.Log.Errorf("text render pipeline: %v", err)
		a.TextPipeline = nil
		return
	}

	a.TextBindGroup, err = a.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: a.TextPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: a.TextAtlasView},
			{Binding: 1, Sampler: a.Sampler},
		},
	})
	if err != nil {
		a.Log.Errorf("text bind group: %v", err)
		a.TextPipeline = nil
	}
}
