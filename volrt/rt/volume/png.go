package volume

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"golang.org/x/image/draw"
)

// Image converts width x height RGBA float texels into an opaque 8-bit image.
// Channels are clamped to [0, 1]; alpha is dropped the same way the viewer
// blit drops it.
func Image(texels []float32, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || len(texels) != width*height*4 {
		return nil, fmt.Errorf("volume image: %d floats for %dx%d", len(texels), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			t := texels[(y*width+x)*4:]
			img.SetRGBA(x, y, color.RGBA{R: unorm8(t[0]), G: unorm8(t[1]), B: unorm8(t[2]), A: 255})
		}
	}
	return img, nil
}

func unorm8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// EncodePNG writes texels as a PNG, upscaled by an integer factor with
// nearest-neighbor sampling so single texels stay visible.
func EncodePNG(w io.Writer, texels []float32, width, height, scale int) error {
	img, err := Image(texels, width, height)
	if err != nil {
		return err
	}
	if scale <= 1 {
		return png.Encode(w, img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width*scale, height*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return png.Encode(w, dst)
}
