package editor

import (
	"fmt"

	"github.com/gekko3d/volsynth"
	"github.com/gekko3d/volsynth/volrt/rt/core"
)

var (
	hudColor  = [4]float32{1, 1, 1, 1}
	hudAccent = [4]float32{1, 0.85, 0.1, 1}
	hudWarn   = [4]float32{1, 0.3, 0.3, 1}
)

// HUD describes the pipeline state as overlay lines starting at the top-left
// corner. extra lines (profiler output) are appended in a dimmer color.
func (e *Editor) HUD(st volsynth.Status, fps float64, extra []string, lineHeight float32) []core.HUDLine {
	var lines []core.HUDLine
	add := func(color [4]float32, format string, args ...any) {
		y := 10 + float32(len(lines))*lineHeight
		lines = append(lines, core.HUDLine{
			Text:     fmt.Sprintf(format, args...),
			Position: [2]float32{10, y},
			Scale:    1,
			Color:    color,
		})
	}

	r := st.Resolution
	switch {
	case st.Retrying:
		add(hudWarn, "out of memory at %dx%dx%d, retrying", r.Width, r.Height, r.Depth)
	case st.Ready:
		add(hudAccent, "ready %dx%dx%d", r.Width, r.Height, r.Depth)
	default:
		add(hudColor, "voronoi %3d%% %dx%dx%d", st.Progress, r.Width, r.Height, r.Depth)
	}
	add(hudColor, "iterations %d  iso %.2f  color %v", st.Iterations, st.IsoValue, st.ShowIsoColor)

	slice := fmt.Sprintf("slice %d/%d", e.Slice, r.Depth)
	if e.Grid {
		slice = "grid"
	}
	add(hudColor, "view %s  %s  surface %d", st.View, slice, e.Selected)
	if e.Paused {
		add(hudAccent, "paused")
	}
	if fps > 0 {
		add(hudColor, "fps %.1f", fps)
	}
	for _, s := range extra {
		add([4]float32{0.7, 0.7, 0.7, 1}, "%s", s)
	}
	return lines
}
