package volsynth

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtlasPNG(t *testing.T) {
	const w, h, d = 4, 3, 5
	p, _, _ := newTestPipeline(t, testConfig(w, h, d))
	runFrames(t, p, d)

	var buf bytes.Buffer
	require.NoError(t, p.WriteAtlasPNG(&buf, 2))
	img, err := png.Decode(&buf)
	require.NoError(t, err)

	// 5 slices tile as 3 columns by 2 rows
	assert.Equal(t, 3*w*2, img.Bounds().Dx())
	assert.Equal(t, 2*h*2, img.Bounds().Dy())

	// the unused sixth tile stays black
	r, g, b, a := img.At(img.Bounds().Dx()-1, img.Bounds().Dy()-1).RGBA()
	assert.Equal(t, []uint32{0, 0, 0, 0xffff}, []uint32{r, g, b, a})
}

func TestDumpAtlasCreatesDirectory(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(4, 4, 2))
	runFrames(t, p, 2)

	path := filepath.Join(t.TempDir(), "out", "atlas.png")
	require.NoError(t, p.DumpAtlas(path, 1))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteAtlasPNGWhileRetrying(t *testing.T) {
	p, mem, _ := newTestPipeline(t, testConfig(4, 4, 2))
	mem.MaxBytes = mem.UsedBytes() + 16
	require.Error(t, p.SetResolution(Resolution{Width: 16, Height: 16, Depth: 4}.Descriptor()))
	assert.ErrorIs(t, p.WriteAtlasPNG(&bytes.Buffer{}, 1), ErrNotReady)
}
