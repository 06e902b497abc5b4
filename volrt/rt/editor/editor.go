package editor

import (
	"errors"

	"github.com/gekko3d/volsynth"
	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"

	"github.com/go-gl/mathgl/mgl32"
)

// Action is one viewer command, usually bound to a key.
type Action int

const (
	SliceUp Action = iota
	SliceDown
	ToggleGrid
	ShowDiffused
	ShowIsoSurface
	ShowIsolated
	ShowVoronoi
	MoreIterations
	FewerIterations
	IsoUp
	IsoDown
	ToggleIsoColor
	Regenerate
	SelectNext
	NudgeLeft
	NudgeRight
	Grow
	Shrink
	TogglePause
	Dump
)

const (
	IsoStep   = 0.05
	NudgeStep = 0.25
	GrowStep  = 1.1
)

// Target is the part of the pipeline the editor drives.
type Target interface {
	Status() volsynth.Status
	SetDiffusion(iterations int, iso float32, showIsoColor bool) error
	Regenerate()
	Isolate(slice int) (gpu.Handle, error)
	SetView(v volsynth.View)
	Surfaces() [2]*core.Surface
}

// Editor turns viewer actions into pipeline calls. Surface moves and scales
// are accumulated and applied by Update so that key repeat does not restart
// the diagram on every event.
type Editor struct {
	Slice    int
	Grid     bool
	Paused   bool
	Selected int

	// DumpRequested is raised by Dump and cleared by whoever writes the image.
	DumpRequested bool

	// Debounced surface edits
	PendingOffset      mgl32.Vec3
	PendingScaleFactor float32
	LastEditInputTime  float64
	LastEditUpdateTime float64
}

func NewEditor() *Editor {
	return &Editor{
		Selected:           1,
		PendingScaleFactor: 1.0,
	}
}

// Do applies a. ErrNotReady from isolating an unfinished diagram is swallowed;
// every other error is returned.
func (e *Editor) Do(t Target, a Action, now float64) error {
	st := t.Status()
	switch a {
	case SliceUp, SliceDown:
		step := 1
		if a == SliceDown {
			step = -1
		}
		e.Slice = clampInt(e.Slice+step, 0, st.Resolution.Depth-1)
		if st.View == volsynth.ViewIsolated {
			return e.isolate(t)
		}
	case ToggleGrid:
		e.Grid = !e.Grid
	case ShowDiffused:
		t.SetView(volsynth.ViewDiffused)
	case ShowIsoSurface:
		t.SetView(volsynth.ViewIsoSurface)
	case ShowIsolated:
		return e.isolate(t)
	case ShowVoronoi:
		t.SetView(volsynth.ViewVoronoi)
	case MoreIterations:
		return t.SetDiffusion(st.Iterations+1, st.IsoValue, st.ShowIsoColor)
	case FewerIterations:
		if st.Iterations == 0 {
			return nil
		}
		return t.SetDiffusion(st.Iterations-1, st.IsoValue, st.ShowIsoColor)
	case IsoUp:
		return t.SetDiffusion(st.Iterations, clampIso(st.IsoValue+IsoStep), st.ShowIsoColor)
	case IsoDown:
		return t.SetDiffusion(st.Iterations, clampIso(st.IsoValue-IsoStep), st.ShowIsoColor)
	case ToggleIsoColor:
		return t.SetDiffusion(st.Iterations, st.IsoValue, !st.ShowIsoColor)
	case Regenerate:
		t.Regenerate()
	case SelectNext:
		e.Selected = (e.Selected + 1) % 2
		e.PendingOffset = mgl32.Vec3{}
		e.PendingScaleFactor = 1.0
	case NudgeLeft:
		e.PendingOffset = e.PendingOffset.Add(mgl32.Vec3{-NudgeStep, 0, 0})
		e.LastEditInputTime = now
	case NudgeRight:
		e.PendingOffset = e.PendingOffset.Add(mgl32.Vec3{NudgeStep, 0, 0})
		e.LastEditInputTime = now
	case Grow:
		e.PendingScaleFactor *= GrowStep
		e.LastEditInputTime = now
	case Shrink:
		e.PendingScaleFactor /= GrowStep
		e.LastEditInputTime = now
	case TogglePause:
		e.Paused = !e.Paused
	case Dump:
		e.DumpRequested = true
	}
	return nil
}

func (e *Editor) isolate(t Target) error {
	_, err := t.Isolate(e.Slice)
	if errors.Is(err, volsynth.ErrNotReady) {
		return nil
	}
	return err
}

// Update applies pending surface edits after 200ms without input, or every
// 100ms while input keeps arriving.
func (e *Editor) Update(t Target, now float64) bool {
	if e.PendingOffset == (mgl32.Vec3{}) && e.PendingScaleFactor == 1.0 {
		return false
	}
	idle := (now - e.LastEditInputTime) > 0.2
	periodic := (now - e.LastEditUpdateTime) > 0.1
	if !idle && !periodic {
		return false
	}

	tr := t.Surfaces()[e.Selected].Transform
	if e.PendingOffset != (mgl32.Vec3{}) {
		tr.SetPosition(tr.Position.Add(e.PendingOffset))
	}
	if e.PendingScaleFactor != 1.0 {
		tr.SetScale(tr.Scale.Mul(e.PendingScaleFactor))
	}
	e.PendingOffset = mgl32.Vec3{}
	e.PendingScaleFactor = 1.0
	e.LastEditUpdateTime = now
	return true
}

func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func clampIso(v float32) float32 {
	return mgl32.Clamp(v, 0, 1)
}
