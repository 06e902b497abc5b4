package core

import (
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const hudAtlasSize = 512

type TextVertex struct {
	Pos   [2]float32
	UV    [2]float32
	Color [4]float32
}

// HUDLine is one line of overlay text in pixel coordinates from the top-left.
type HUDLine struct {
	Text     string
	Position [2]float32
	Scale    float32
	Color    [4]float32
}

type glyph struct {
	uvMin [2]float32
	uvMax [2]float32
	size  [2]float32
	off   [2]float32
	adv   float32
}

// HUDFont is an ASCII glyph atlas used to draw pipeline status over the viewport.
type HUDFont struct {
	Atlas  *image.Alpha
	glyphs map[rune]glyph
	face   font.Face
}

// NewHUDFont rasterizes printable ASCII of the embedded Go Mono face.
func NewHUDFont(size float64) (*HUDFont, error) {
	return NewHUDFontFrom(gomono.TTF, size)
}

func NewHUDFontFrom(ttf []byte, size float64) (*HUDFont, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse hud font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create hud face: %w", err)
	}

	atlas := image.NewAlpha(image.Rect(0, 0, hudAtlasSize, hudAtlasSize))
	glyphs := make(map[rune]glyph)
	x, y, rowHeight := 2, 2, 0
	for r := rune(32); r < 127; r++ {
		bounds, mask, _, adv, ok := face.Glyph(fixed.Point26_6{}, r)
		if !ok {
			continue
		}
		w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
		if x+w >= hudAtlasSize {
			x = 2
			y += rowHeight + 4
			rowHeight = 0
		}
		if y+h >= hudAtlasSize {
			break
		}
		draw.Draw(atlas, image.Rect(x, y, x+w, y+h), mask, mask.Bounds().Min, draw.Src)
		glyphs[r] = glyph{
			uvMin: [2]float32{float32(x) / hudAtlasSize, float32(y) / hudAtlasSize},
			uvMax: [2]float32{float32(x+w) / hudAtlasSize, float32(y+h) / hudAtlasSize},
			size:  [2]float32{float32(w), float32(h)},
			off:   [2]float32{float32(bounds.Min.X), float32(bounds.Min.Y)},
			adv:   float32(adv) / 64.0,
		}
		x += w + 4
		if h > rowHeight {
			rowHeight = h
		}
	}
	return &HUDFont{Atlas: atlas, glyphs: glyphs, face: face}, nil
}

// Vertices lays out lines as NDC triangles for a screenW x screenH viewport.
func (f *HUDFont) Vertices(lines []HUDLine, screenW, screenH int) []TextVertex {
	out := make([]TextVertex, 0, 64)
	sw, sh := float32(screenW), float32(screenH)
	ascent := float32(f.face.Metrics().Ascent.Ceil())

	for _, line := range lines {
		penX := line.Position[0]
		penY := line.Position[1] + ascent*line.Scale
		for _, r := range line.Text {
			g, ok := f.glyphs[r]
			if !ok {
				continue
			}
			x0 := (penX+g.off[0]*line.Scale)/sw*2 - 1
			y0 := 1 - (penY+g.off[1]*line.Scale)/sh*2
			x1 := (penX+(g.off[0]+g.size[0])*line.Scale)/sw*2 - 1
			y1 := 1 - (penY+(g.off[1]+g.size[1])*line.Scale)/sh*2

			c := line.Color
			out = append(out,
				TextVertex{Pos: [2]float32{x0, y0}, UV: g.uvMin, Color: c},
				TextVertex{Pos: [2]float32{x1, y0}, UV: [2]float32{g.uvMax[0], g.uvMin[1]}, Color: c},
				TextVertex{Pos: [2]float32{x0, y1}, UV: [2]float32{g.uvMin[0], g.uvMax[1]}, Color: c},
				TextVertex{Pos: [2]float32{x1, y0}, UV: [2]float32{g.uvMax[0], g.uvMin[1]}, Color: c},
				TextVertex{Pos: [2]float32{x1, y1}, UV: g.uvMax, Color: c},
				TextVertex{Pos: [2]float32{x0, y1}, UV: [2]float32{g.uvMin[0], g.uvMax[1]}, Color: c},
			)
			penX += g.adv * line.Scale
		}
	}
	return out
}

// LineHeight is the scaled vertical advance between HUD lines.
func (f *HUDFont) LineHeight(scale float32) float32 {
	if f == nil {
		return 0
	}
	return float32(f.face.Metrics().Height.Ceil()) * scale
}
