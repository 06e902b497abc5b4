package gpu

import (
	"fmt"
)

// Kernel executes one draw of a technique on the CPU.
type Kernel func(c *DrawCall) error

// MemoryProgram is a technique implementation for MemoryDevice.
type MemoryProgram struct {
	Kernel Kernel
	Params []string
}

// DrawCall is everything a Kernel may read or write for one draw.
type DrawCall struct {
	Technique string
	Params    Params
	Vertices  []byte
	Stride    int
	First     int
	Count     int
	Colors    []*MemoryTexture
	Depth     *MemoryTexture
	Viewport  Viewport
	Sources   map[string]*MemoryTexture
}

// Vertex returns the raw bytes of vertex i of the bound buffer.
func (c *DrawCall) Vertex(i int) []byte {
	off := i * c.Stride
	return c.Vertices[off : off+c.Stride]
}

// Source returns the texture attached to slot, or nil.
func (c *DrawCall) Source(slot string) *MemoryTexture {
	return c.Sources[slot]
}

// Command is one entry of the MemoryDevice command log.
type Command struct {
	Op        string
	Label     string
	Technique string
	Slice     int
}

func (c Command) String() string {
	switch c.Op {
	case "draw":
		return fmt.Sprintf("draw %s -> %s", c.Technique, c.Label)
	case "copy":
		return fmt.Sprintf("copy -> %s[%d]", c.Label, c.Slice)
	}
	return c.Op + " " + c.Label
}

// MemoryDevice is a CPU backend holding RGBA float32 texels. It is exact and
// deterministic, which makes it the backend for tests and headless runs.
type MemoryDevice struct {
	// MaxBytes bounds the device memory of live textures; zero means unlimited.
	MaxBytes int64

	programs map[string]MemoryProgram
	used     int64
	ctx      *memoryContext
	log      []Command
	logging  bool
}

func NewMemoryDevice(programs map[string]MemoryProgram) *MemoryDevice {
	d := &MemoryDevice{programs: programs}
	d.ctx = &memoryContext{dev: d, sources: make(map[string]*memoryView)}
	return d
}

// RecordCommands enables or disables the command log.
func (d *MemoryDevice) RecordCommands(on bool) {
	d.logging = on
	if !on {
		d.log = nil
	}
}

func (d *MemoryDevice) Commands() []Command { return d.log }

func (d *MemoryDevice) ResetCommands() { d.log = d.log[:0] }

func (d *MemoryDevice) UsedBytes() int64 { return d.used }

func (d *MemoryDevice) record(c Command) {
	if d.logging {
		d.log = append(d.log, c)
	}
}

func (d *MemoryDevice) CreateTexture(desc TextureDesc) (Texture, error) {
	if !desc.Size.Valid() {
		return nil, contractf("memory texture %q: invalid size", desc.Label)
	}
	if desc.Kind == Kind2D && desc.Size.Depth != 1 {
		return nil, contractf("memory texture %q: 2D with depth %d", desc.Label, desc.Size.Depth)
	}
	bytes := int64(desc.Size.Texels()) * int64(desc.Format.BytesPerTexel())
	if d.MaxBytes > 0 && d.used+bytes > d.MaxBytes {
		return nil, allocf(nil, "memory texture %q needs %d bytes, %d of %d in use", desc.Label, bytes, d.used, d.MaxBytes)
	}
	d.used += bytes
	return &MemoryTexture{
		dev:    d,
		desc:   desc,
		bytes:  bytes,
		Texels: make([]float32, desc.Size.Texels()*4),
	}, nil
}

type memoryBuffer struct {
	data   []byte
	stride int
}

func (b *memoryBuffer) Len() int {
	if b.stride == 0 {
		return 0
	}
	return len(b.data) / b.stride
}

func (b *memoryBuffer) Release() { b.data = nil }

func (d *MemoryDevice) CreateVertexBuffer(label string, stride int, data []byte) (Buffer, error) {
	if stride <= 0 || len(data)%stride != 0 {
		return nil, contractf("vertex buffer %q: %d bytes is not a multiple of stride %d", label, len(data), stride)
	}
	return &memoryBuffer{data: append([]byte(nil), data...), stride: stride}, nil
}

type memoryTechnique struct {
	name string
	prog MemoryProgram
}

func (t *memoryTechnique) Name() string { return t.name }

func (t *memoryTechnique) HasParam(name string) bool {
	for _, p := range t.prog.Params {
		if p == name {
			return true
		}
	}
	return false
}

func (d *MemoryDevice) Technique(name string) (Technique, error) {
	p, ok := d.programs[name]
	if !ok || p.Kernel == nil {
		return nil, contractf("technique %q not found", name)
	}
	return &memoryTechnique{name: name, prog: p}, nil
}

func (d *MemoryDevice) Context() Context { return d.ctx }

func (d *MemoryDevice) Release() {}

// MemoryTexture stores 4 float32 channels per texel, x fastest then y then layer.
// Scalar and depth formats use the first channel.
type MemoryTexture struct {
	Texels []float32

	dev      *MemoryDevice
	desc     TextureDesc
	bytes    int64
	released bool
}

func (t *MemoryTexture) Desc() TextureDesc { return t.desc }

func (t *MemoryTexture) Width() int  { return t.desc.Size.Width }
func (t *MemoryTexture) Height() int { return t.desc.Size.Height }
func (t *MemoryTexture) Depth() int  { return t.desc.Size.Depth }

func (t *MemoryTexture) index(x, y, z int) int {
	s := t.desc.Size
	return ((z*s.Height+y)*s.Width + x) * 4
}

func (t *MemoryTexture) At(x, y, z int) [4]float32 {
	i := t.index(x, y, z)
	return [4]float32{t.Texels[i], t.Texels[i+1], t.Texels[i+2], t.Texels[i+3]}
}

func (t *MemoryTexture) Set(x, y, z int, v [4]float32) {
	i := t.index(x, y, z)
	copy(t.Texels[i:i+4], v[:])
}

// Sample is a nearest-texel lookup with clamp-to-edge addressing.
func (t *MemoryTexture) Sample(u, v, w float32) [4]float32 {
	s := t.desc.Size
	return t.At(clampTexel(u, s.Width), clampTexel(v, s.Height), clampTexel(w, s.Depth))
}

func clampTexel(c float32, n int) int {
	i := int(c * float32(n))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func (t *MemoryTexture) fill(v [4]float32) {
	for i := 0; i < len(t.Texels); i += 4 {
		copy(t.Texels[i:i+4], v[:])
	}
}

func (t *MemoryTexture) NewTargetView() (View, error) {
	if t.desc.Kind != Kind2D {
		return nil, contractf("texture %q: 3D render targets are not supported", t.desc.Label)
	}
	return &memoryView{tex: t}, nil
}

func (t *MemoryTexture) NewSourceView() (View, error) {
	return &memoryView{tex: t}, nil
}

func (t *MemoryTexture) Release() {
	if t.released {
		return
	}
	t.released = true
	t.dev.used -= t.bytes
	t.Texels = nil
}

type memoryView struct {
	tex *MemoryTexture
}

func (v *memoryView) Texture() Texture { return v.tex }
func (v *memoryView) Release()         {}

func asMemoryView(v View) (*memoryView, error) {
	mv, ok := v.(*memoryView)
	if !ok || mv == nil {
		return nil, contractf("view %T does not belong to the memory device", v)
	}
	if mv.tex.released {
		return nil, contractf("view of released texture %q", mv.tex.desc.Label)
	}
	return mv, nil
}

func asMemoryTexture(t Texture) (*MemoryTexture, error) {
	mt, ok := t.(*MemoryTexture)
	if !ok || mt == nil {
		return nil, contractf("texture %T does not belong to the memory device", t)
	}
	if mt.released {
		return nil, contractf("texture %q is released", mt.desc.Label)
	}
	return mt, nil
}

type memoryContext struct {
	dev     *MemoryDevice
	targets TargetState
	sources map[string]*memoryView
}

func (c *memoryContext) Targets() TargetState { return c.targets }

func (c *memoryContext) SetTargets(s TargetState) {
	c.targets = s
	label := ""
	if len(s.Colors) > 0 {
		if mv, err := asMemoryView(s.Colors[0]); err == nil {
			label = mv.tex.desc.Label
		}
	}
	c.dev.record(Command{Op: "targets", Label: label})
}

func (c *memoryContext) SetSource(slot string, v View) {
	if v == nil {
		delete(c.sources, slot)
		c.dev.record(Command{Op: "unbind-source", Label: slot})
		return
	}
	if mv, err := asMemoryView(v); err == nil {
		c.sources[slot] = mv
		c.dev.record(Command{Op: "bind-source", Label: slot})
	}
}

func (c *memoryContext) ClearDepth(v View, depth float32) {
	if mv, err := asMemoryView(v); err == nil {
		mv.tex.fill([4]float32{depth, depth, depth, depth})
		c.dev.record(Command{Op: "clear-depth", Label: mv.tex.desc.Label})
	}
}

func (c *memoryContext) ClearColor(v View, rgba [4]float32) {
	if mv, err := asMemoryView(v); err == nil {
		mv.tex.fill(rgba)
		c.dev.record(Command{Op: "clear", Label: mv.tex.desc.Label})
	}
}

func (c *memoryContext) CopySlice(src, dst Texture, slice int) error {
	s, err := asMemoryTexture(src)
	if err != nil {
		return err
	}
	d, err := asMemoryTexture(dst)
	if err != nil {
		return err
	}
	if s.Width() != d.Width() || s.Height() != d.Height() {
		return contractf("copy %q into %q: footprint mismatch", s.desc.Label, d.desc.Label)
	}
	if slice < 0 || slice >= d.Depth() {
		return contractf("copy into %q: slice %d out of range", d.desc.Label, slice)
	}
	n := s.Width() * s.Height() * 4
	copy(d.Texels[slice*n:(slice+1)*n], s.Texels[:n])
	c.dev.record(Command{Op: "copy", Label: d.desc.Label, Slice: slice})
	return nil
}

func (c *memoryContext) Draw(t Technique, p *Params, vb Buffer, first, count int) error {
	mt, ok := t.(*memoryTechnique)
	if !ok {
		return contractf("technique %T does not belong to the memory device", t)
	}
	buf, ok := vb.(*memoryBuffer)
	if !ok {
		return contractf("buffer %T does not belong to the memory device", vb)
	}
	if first < 0 || count < 0 || first+count > buf.Len() {
		return contractf("draw %s: vertices [%d,%d) outside buffer of %d", mt.name, first, first+count, buf.Len())
	}
	if len(c.targets.Colors) == 0 && c.targets.Depth == nil {
		return contractf("draw %s: no render target bound", mt.name)
	}

	call := &DrawCall{
		Technique: mt.name,
		Vertices:  buf.data,
		Stride:    buf.stride,
		First:     first,
		Count:     count,
		Viewport:  c.targets.Viewport,
		Sources:   make(map[string]*MemoryTexture, len(c.sources)),
	}
	if p != nil {
		call.Params = *p
	}
	for _, v := range c.targets.Colors {
		mv, err := asMemoryView(v)
		if err != nil {
			return err
		}
		call.Colors = append(call.Colors, mv.tex)
	}
	if c.targets.Depth != nil {
		mv, err := asMemoryView(c.targets.Depth)
		if err != nil {
			return err
		}
		call.Depth = mv.tex
	}
	for slot, v := range c.sources {
		call.Sources[slot] = v.tex
	}

	label := ""
	if len(call.Colors) > 0 {
		label = call.Colors[0].desc.Label
	}
	c.dev.record(Command{Op: "draw", Label: label, Technique: mt.name, Slice: int(call.Params.SliceIndex)})
	return mt.prog.Kernel(call)
}

func (c *memoryContext) ReadSlice(tex Texture, slice int) ([]float32, error) {
	t, err := asMemoryTexture(tex)
	if err != nil {
		return nil, err
	}
	if slice < 0 || slice >= t.Depth() {
		return nil, contractf("read %q: slice %d out of range", t.desc.Label, slice)
	}
	n := t.Width() * t.Height() * 4
	out := make([]float32, n)
	copy(out, t.Texels[slice*n:(slice+1)*n])
	return out, nil
}

func (c *memoryContext) Flush() error {
	c.dev.record(Command{Op: "flush"})
	return nil
}
