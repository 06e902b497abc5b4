package gpu

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gekko3d/volsynth/volrt/rt/core"

	"github.com/google/uuid"
)

// Handle names a managed texture independently of its current backing storage.
type Handle uint32

// NoHandle means "no resource".
const NoHandle Handle = 0

type entry struct {
	name   string
	kind   Kind
	format Format
	desc   VolumeDescriptor
	tex    Texture
	target View // cached write view
	source View // cached read view
}

func (e *entry) releaseViews() {
	if e.target != nil {
		e.target.Release()
		e.target = nil
	}
	if e.source != nil {
		e.source.Release()
		e.source = nil
	}
}

// ResourceManager is the sole owner of every intermediate texture of a pipeline.
// Handles index an append-only arena and are never reused. The manager keeps a
// single save slot for render targets, so target binds are not reentrant.
type ResourceManager struct {
	ID     uuid.UUID
	Device Device

	log     core.Logger
	entries []*entry // entries[0] is reserved for NoHandle

	saved   *TargetState
	targets []Handle
	sources map[string]Handle
}

func NewResourceManager(device Device, log core.Logger) *ResourceManager {
	return &ResourceManager{
		ID:      uuid.New(),
		Device:  device,
		log:     core.OrNop(log),
		entries: make([]*entry, 1, 16),
		sources: make(map[string]Handle),
	}
}

func (m *ResourceManager) label(name string, h Handle) string {
	return fmt.Sprintf("%s#%d@%s", name, h, m.ID.String()[:8])
}

func (m *ResourceManager) Allocate2D(name string, format Format, w, h int) (Handle, error) {
	return m.allocate(name, Kind2D, format, VolumeDescriptor{Width: w, Height: h, Depth: 1})
}

func (m *ResourceManager) Allocate3D(name string, format Format, w, h, d int) (Handle, error) {
	return m.allocate(name, Kind3D, format, VolumeDescriptor{Width: w, Height: h, Depth: d})
}

func (m *ResourceManager) allocate(name string, kind Kind, format Format, desc VolumeDescriptor) (Handle, error) {
	if !desc.Valid() {
		return NoHandle, contractf("allocate %s %q: invalid size %dx%dx%d", kind, name, desc.Width, desc.Height, desc.Depth)
	}
	h := Handle(len(m.entries))
	tex, err := m.Device.CreateTexture(TextureDesc{
		Label:  m.label(name, h),
		Kind:   kind,
		Format: format,
		Size:   desc,
	})
	if err != nil {
		m.log.Warnf("allocate %s %q %dx%dx%d failed: %v", kind, name, desc.Width, desc.Height, desc.Depth, err)
		return NoHandle, m.wrapDeviceErr(err, "allocate %s %q", kind, name)
	}
	m.entries = append(m.entries, &entry{
		name:   name,
		kind:   kind,
		format: format,
		desc:   desc,
		tex:    tex,
	})
	m.log.Debugf("allocated %s %q as handle %d (%dx%dx%d)", kind, name, h, desc.Width, desc.Height, desc.Depth)
	return h, nil
}

// wrapDeviceErr keeps device contract violations fatal and classifies everything
// else as an allocation failure.
func (m *ResourceManager) wrapDeviceErr(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, ErrContractViolation) || errors.Is(err, ErrAllocationFailure) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return allocf(err, "%s", what)
}

func (m *ResourceManager) lookup(h Handle) (*entry, error) {
	if h == NoHandle || int(h) >= len(m.entries) || m.entries[h] == nil {
		return nil, contractf("unknown handle %d", h)
	}
	return m.entries[h], nil
}

// Resize reallocates the backing texture of h under the same handle and name.
// The replacement is allocated before the old storage is released, so a failed
// resize leaves h fully valid at its old size. Cached views are invalidated.
func (m *ResourceManager) Resize(h Handle, desc VolumeDescriptor) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !desc.Valid() {
		return contractf("resize %q: invalid size %dx%dx%d", e.name, desc.Width, desc.Height, desc.Depth)
	}
	if e.kind == Kind2D && desc.Depth != 1 {
		return contractf("resize %q: 2D texture given depth %d", e.name, desc.Depth)
	}
	if e.desc == desc {
		return nil
	}
	if m.isTarget(h) || m.isSource(h) {
		return contractf("resize %q: handle %d is bound", e.name, h)
	}
	tex, err := m.Device.CreateTexture(TextureDesc{
		Label:  m.label(e.name, h),
		Kind:   e.kind,
		Format: e.format,
		Size:   desc,
	})
	if err != nil {
		m.log.Warnf("resize %q to %dx%dx%d failed, keeping %dx%dx%d: %v",
			e.name, desc.Width, desc.Height, desc.Depth, e.desc.Width, e.desc.Height, e.desc.Depth, err)
		return m.wrapDeviceErr(err, "resize %q", e.name)
	}
	e.releaseViews()
	e.tex.Release()
	e.tex = tex
	e.desc = desc
	m.log.Debugf("resized %q (handle %d) to %dx%dx%d", e.name, h, desc.Width, desc.Height, desc.Depth)
	return nil
}

func (m *ResourceManager) Descriptor(h Handle) (VolumeDescriptor, error) {
	e, err := m.lookup(h)
	if err != nil {
		return VolumeDescriptor{}, err
	}
	return e.desc, nil
}

func (m *ResourceManager) Name(h Handle) string {
	if e, err := m.lookup(h); err == nil {
		return e.name
	}
	return ""
}

func (m *ResourceManager) Kind(h Handle) Kind {
	if e, err := m.lookup(h); err == nil {
		return e.kind
	}
	return 0
}

// Texture exposes the current backing texture, for presentation only. The value
// goes stale on Resize.
func (m *ResourceManager) Texture(h Handle) (Texture, error) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.tex, nil
}

func (m *ResourceManager) targetView(e *entry) (View, error) {
	if e.target != nil {
		return e.target, nil
	}
	v, err := e.tex.NewTargetView()
	if err != nil {
		return nil, m.wrapDeviceErr(err, "target view of %q", e.name)
	}
	e.target = v
	return v, nil
}

func (m *ResourceManager) sourceView(e *entry) (View, error) {
	if e.source != nil {
		return e.source, nil
	}
	v, err := e.tex.NewSourceView()
	if err != nil {
		return nil, m.wrapDeviceErr(err, "source view of %q", e.name)
	}
	e.source = v
	return v, nil
}

func (m *ResourceManager) isTarget(h Handle) bool {
	for _, t := range m.targets {
		if t == h {
			return true
		}
	}
	return false
}

func (m *ResourceManager) isSource(h Handle) bool {
	for _, s := range m.sources {
		if s == h {
			return true
		}
	}
	return false
}

// BindAsTarget installs colors as render targets with no depth buffer.
func (m *ResourceManager) BindAsTarget(colors ...Handle) error {
	return m.BindTargets(NoHandle, colors...)
}

// BindTargets saves the current targets and viewport, installs the write views of
// colors (and depth, unless NoHandle) and sets viewport and scissor to one slice
// footprint. Every call must be paired with UnbindTargets before the next.
func (m *ResourceManager) BindTargets(depth Handle, colors ...Handle) error {
	if m.saved != nil {
		return contractf("bind targets: previous bind of %v not released", m.targets)
	}
	if len(colors) == 0 && depth == NoHandle {
		return contractf("bind targets: nothing to bind")
	}

	state := TargetState{Colors: make([]View, 0, len(colors))}
	bound := make([]Handle, 0, len(colors)+1)
	var footprint *VolumeDescriptor

	check := func(h Handle, e *entry) error {
		if m.isSource(h) {
			return contractf("bind targets: %q (handle %d) is bound as a source", e.name, h)
		}
		if footprint == nil {
			footprint = &e.desc
			return nil
		}
		if e.desc.Width != footprint.Width || e.desc.Height != footprint.Height {
			return contractf("bind targets: %q is %dx%d, expected %dx%d",
				e.name, e.desc.Width, e.desc.Height, footprint.Width, footprint.Height)
		}
		return nil
	}

	for _, h := range colors {
		e, err := m.lookup(h)
		if err != nil {
			return err
		}
		if e.format == FormatDepth {
			return contractf("bind targets: depth texture %q given as color target", e.name)
		}
		if err := check(h, e); err != nil {
			return err
		}
		v, err := m.targetView(e)
		if err != nil {
			return err
		}
		state.Colors = append(state.Colors, v)
		bound = append(bound, h)
	}
	if depth != NoHandle {
		e, err := m.lookup(depth)
		if err != nil {
			return err
		}
		if e.format != FormatDepth {
			return contractf("bind targets: %q is not a depth texture", e.name)
		}
		if err := check(depth, e); err != nil {
			return err
		}
		v, err := m.targetView(e)
		if err != nil {
			return err
		}
		state.Depth = v
		bound = append(bound, depth)
	}
	state.Viewport = Viewport{Width: footprint.Width, Height: footprint.Height}

	ctx := m.Device.Context()
	saved := ctx.Targets()
	m.saved = &saved
	m.targets = bound
	ctx.SetTargets(state)
	return nil
}

// UnbindTargets restores the targets and viewport saved by the matching bind.
func (m *ResourceManager) UnbindTargets() error {
	if m.saved == nil {
		return contractf("unbind targets: nothing bound")
	}
	m.Device.Context().SetTargets(*m.saved)
	m.saved = nil
	m.targets = nil
	return nil
}

// BindAsSource attaches the read view of h to slot. A handle installed as a
// render target cannot be read until it is unbound.
func (m *ResourceManager) BindAsSource(h Handle, slot string) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	if m.isTarget(h) {
		return contractf("bind source %q: %q (handle %d) is bound as a target", slot, e.name, h)
	}
	v, err := m.sourceView(e)
	if err != nil {
		return err
	}
	m.Device.Context().SetSource(slot, v)
	m.sources[slot] = h
	return nil
}

func (m *ResourceManager) UnbindSource(slot string) {
	if _, ok := m.sources[slot]; !ok {
		return
	}
	m.Device.Context().SetSource(slot, nil)
	delete(m.sources, slot)
}

func (m *ResourceManager) UnbindAllSources() {
	slots := make([]string, 0, len(m.sources))
	for s := range m.sources {
		slots = append(slots, s)
	}
	sort.Strings(slots)
	for _, s := range slots {
		m.UnbindSource(s)
	}
}

// CopySliceInto3D copies the whole of src into depth layer slice of dst.
func (m *ResourceManager) CopySliceInto3D(src, dst Handle, slice int) error {
	se, err := m.lookup(src)
	if err != nil {
		return err
	}
	de, err := m.lookup(dst)
	if err != nil {
		return err
	}
	if se.kind != Kind2D || de.kind != Kind3D {
		return contractf("copy slice: %q is %s, %q is %s; want 2D into 3D", se.name, se.kind, de.name, de.kind)
	}
	if se.desc.Width != de.desc.Width || se.desc.Height != de.desc.Height || se.format != de.format {
		return contractf("copy slice: %q and %q differ in footprint or format", se.name, de.name)
	}
	if slice < 0 || slice >= de.desc.Depth {
		return contractf("copy slice: slice %d out of range [0,%d) for %q", slice, de.desc.Depth, de.name)
	}
	if m.isTarget(src) {
		return contractf("copy slice: %q is still bound as a target", se.name)
	}
	if m.isSource(dst) {
		return contractf("copy slice: %q is bound as a source", de.name)
	}
	return m.Device.Context().CopySlice(se.tex, de.tex, slice)
}

func (m *ResourceManager) ClearDepthBuffer(h Handle) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	if e.format != FormatDepth {
		return contractf("clear depth: %q is not a depth texture", e.name)
	}
	v, err := m.targetView(e)
	if err != nil {
		return err
	}
	m.Device.Context().ClearDepth(v, 1)
	return nil
}

func (m *ResourceManager) ClearTarget(h Handle, rgba [4]float32) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	if e.format == FormatDepth {
		return contractf("clear target: %q is a depth texture", e.name)
	}
	v, err := m.targetView(e)
	if err != nil {
		return err
	}
	m.Device.Context().ClearColor(v, rgba)
	return nil
}

// ReadSlice reads back layer slice of h as RGBA float texels.
func (m *ResourceManager) ReadSlice(h Handle, slice int) ([]float32, error) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if slice < 0 || slice >= e.desc.Depth {
		return nil, contractf("read slice: slice %d out of range [0,%d) for %q", slice, e.desc.Depth, e.name)
	}
	return m.Device.Context().ReadSlice(e.tex, slice)
}

func (m *ResourceManager) Release(h Handle) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	if m.isTarget(h) || m.isSource(h) {
		return contractf("release %q: handle %d is bound", e.name, h)
	}
	e.releaseViews()
	e.tex.Release()
	m.entries[h] = nil
	return nil
}

// ReleaseAll frees every resource at pipeline teardown. Handles are not reused
// afterwards; the counter keeps increasing.
func (m *ResourceManager) ReleaseAll() {
	m.UnbindAllSources()
	if m.saved != nil {
		_ = m.UnbindTargets()
	}
	for h, e := range m.entries {
		if e == nil {
			continue
		}
		e.releaseViews()
		e.tex.Release()
		m.entries[h] = nil
	}
}

func (m *ResourceManager) Live() int {
	n := 0
	for _, e := range m.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Bytes is the device memory held by live textures.
func (m *ResourceManager) Bytes() int64 {
	var total int64
	for _, e := range m.entries {
		if e != nil {
			total += int64(e.desc.Texels()) * int64(e.format.BytesPerTexel())
		}
	}
	return total
}
