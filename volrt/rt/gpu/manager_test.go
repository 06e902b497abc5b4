package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fillTechnique = "Fill"

// fillKernel writes Params.Color into every pixel of the viewport of each color target.
func fillKernel(c *DrawCall) error {
	for _, t := range c.Colors {
		for y := c.Viewport.Y; y < c.Viewport.Y+c.Viewport.Height; y++ {
			for x := c.Viewport.X; x < c.Viewport.X+c.Viewport.Width; x++ {
				t.Set(x, y, 0, c.Params.Color)
			}
		}
	}
	return nil
}

func newTestManager(t *testing.T) (*ResourceManager, *MemoryDevice) {
	t.Helper()
	dev := NewMemoryDevice(map[string]MemoryProgram{
		fillTechnique: {Kernel: fillKernel, Params: []string{"vColor"}},
	})
	return NewResourceManager(dev, nil), dev
}

func TestHandlesStrictlyIncreasingAndNonZero(t *testing.T) {
	rm, _ := newTestManager(t)

	var last Handle
	for i := 0; i < 8; i++ {
		var h Handle
		var err error
		if i%2 == 0 {
			h, err = rm.Allocate2D("slice", FormatColor, 4, 4)
		} else {
			h, err = rm.Allocate3D("volume", FormatScalar, 4, 4, 3)
		}
		require.NoError(t, err)
		assert.NotEqual(t, NoHandle, h)
		assert.Greater(t, h, last)
		last = h
	}

	require.NoError(t, rm.Release(last))
	h, err := rm.Allocate2D("after-release", FormatColor, 2, 2)
	require.NoError(t, err)
	assert.Greater(t, h, last, "released handles are not reused")
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	rm, _ := newTestManager(t)

	for _, size := range [][3]int{{0, 4, 4}, {4, -1, 4}, {4, 4, 0}} {
		_, err := rm.Allocate3D("bad", FormatColor, size[0], size[1], size[2])
		assert.ErrorIs(t, err, ErrContractViolation, "size %v", size)
	}
	assert.Equal(t, 0, rm.Live())
}

func TestAllocationFailureCommitsNothing(t *testing.T) {
	rm, dev := newTestManager(t)
	dev.MaxBytes = 4 * 4 * 16

	a, err := rm.Allocate2D("fits", FormatColor, 4, 4)
	require.NoError(t, err)

	_, err = rm.Allocate2D("too-big", FormatColor, 4, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.False(t, IsFatal(err))
	assert.Equal(t, 1, rm.Live())

	require.NoError(t, rm.Release(a))
	b, err := rm.Allocate2D("fits-again", FormatColor, 4, 4)
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestResizeRoundTrip(t *testing.T) {
	rm, _ := newTestManager(t)

	h, err := rm.Allocate3D("volume", FormatColor, 8, 8, 4)
	require.NoError(t, err)
	before, err := rm.ReadSlice(h, 0)
	require.NoError(t, err)
	require.Len(t, before, 8*8*4)

	want := VolumeDescriptor{Width: 16, Height: 4, Depth: 6}
	require.NoError(t, rm.Resize(h, want))

	got, err := rm.Descriptor(h)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "volume", rm.Name(h))
	assert.Equal(t, Kind3D, rm.Kind(h))

	after, err := rm.ReadSlice(h, 5)
	require.NoError(t, err)
	assert.Len(t, after, 16*4*4)
}

func TestResizeFailureKeepsOldStorage(t *testing.T) {
	rm, dev := newTestManager(t)

	h, err := rm.Allocate2D("slice", FormatColor, 4, 4)
	require.NoError(t, err)
	require.NoError(t, rm.BindAsTarget(h))
	require.NoError(t, rm.UnbindTargets())

	dev.MaxBytes = dev.UsedBytes() + 16
	err = rm.Resize(h, VolumeDescriptor{Width: 64, Height: 64, Depth: 1})
	require.ErrorIs(t, err, ErrAllocationFailure)

	d, err := rm.Descriptor(h)
	require.NoError(t, err)
	assert.Equal(t, VolumeDescriptor{Width: 4, Height: 4, Depth: 1}, d)
	assert.NoError(t, rm.BindAsTarget(h), "handle stays usable after a failed resize")
	assert.NoError(t, rm.UnbindTargets())
}

func TestResizeContractViolations(t *testing.T) {
	rm, _ := newTestManager(t)

	assert.ErrorIs(t, rm.Resize(42, VolumeDescriptor{1, 1, 1}), ErrContractViolation)

	h, err := rm.Allocate2D("slice", FormatColor, 4, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, rm.Resize(h, VolumeDescriptor{4, 4, 2}), ErrContractViolation)
	assert.ErrorIs(t, rm.Resize(h, VolumeDescriptor{0, 4, 1}), ErrContractViolation)
}

func TestBindTargetsSetsViewportAndRestores(t *testing.T) {
	rm, dev := newTestManager(t)

	color, err := rm.Allocate2D("color", FormatColor, 12, 7)
	require.NoError(t, err)
	depth, err := rm.Allocate2D("depth", FormatDepth, 12, 7)
	require.NoError(t, err)

	outer := TargetState{Viewport: Viewport{Width: 640, Height: 480}}
	dev.Context().SetTargets(outer)

	require.NoError(t, rm.BindTargets(depth, color))
	state := dev.Context().Targets()
	assert.Len(t, state.Colors, 1)
	assert.NotNil(t, state.Depth)
	assert.Equal(t, Viewport{Width: 12, Height: 7}, state.Viewport)

	require.NoError(t, rm.UnbindTargets())
	assert.Equal(t, outer.Viewport, dev.Context().Targets().Viewport)
	assert.Empty(t, dev.Context().Targets().Colors)
}

func TestBindTargetsIsNotReentrant(t *testing.T) {
	rm, _ := newTestManager(t)

	a, err := rm.Allocate2D("a", FormatColor, 4, 4)
	require.NoError(t, err)
	b, err := rm.Allocate2D("b", FormatColor, 4, 4)
	require.NoError(t, err)

	require.NoError(t, rm.BindAsTarget(a))
	assert.ErrorIs(t, rm.BindAsTarget(b), ErrContractViolation)
	require.NoError(t, rm.UnbindTargets())
	assert.ErrorIs(t, rm.UnbindTargets(), ErrContractViolation, "unbind must pair with a bind")
	assert.NoError(t, rm.BindAsTarget(b))
}

func TestBindTargetsRejectsMismatchedFootprint(t *testing.T) {
	rm, _ := newTestManager(t)

	a, err := rm.Allocate2D("a", FormatColor, 4, 4)
	require.NoError(t, err)
	b, err := rm.Allocate2D("b", FormatScalar, 8, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, rm.BindAsTarget(a, b), ErrContractViolation)
	assert.NoError(t, rm.BindAsTarget(a), "a failed bind leaves the save slot free")
}

func TestReadWriteHazards(t *testing.T) {
	rm, _ := newTestManager(t)

	slice, err := rm.Allocate2D("slice", FormatColor, 4, 4)
	require.NoError(t, err)
	vol, err := rm.Allocate3D("volume", FormatColor, 4, 4, 2)
	require.NoError(t, err)

	require.NoError(t, rm.BindAsTarget(slice))
	assert.ErrorIs(t, rm.BindAsSource(slice, "src"), ErrContractViolation)
	assert.ErrorIs(t, rm.CopySliceInto3D(slice, vol, 0), ErrContractViolation)
	require.NoError(t, rm.UnbindTargets())

	require.NoError(t, rm.BindAsSource(vol, "src"))
	assert.ErrorIs(t, rm.CopySliceInto3D(slice, vol, 0), ErrContractViolation)
	assert.ErrorIs(t, rm.Release(vol), ErrContractViolation)
	rm.UnbindSource("src")
	assert.NoError(t, rm.CopySliceInto3D(slice, vol, 0))

	require.NoError(t, rm.BindAsSource(slice, "src"))
	assert.ErrorIs(t, rm.BindAsTarget(slice), ErrContractViolation)
}

func TestCopySliceIntoLayer(t *testing.T) {
	rm, dev := newTestManager(t)

	slice, err := rm.Allocate2D("slice", FormatColor, 3, 2)
	require.NoError(t, err)
	vol, err := rm.Allocate3D("volume", FormatColor, 3, 2, 4)
	require.NoError(t, err)
	vb, err := dev.CreateVertexBuffer("quad", 4, make([]byte, 6*4))
	require.NoError(t, err)
	tech, err := dev.Technique(fillTechnique)
	require.NoError(t, err)

	require.NoError(t, rm.BindAsTarget(slice))
	require.NoError(t, dev.Context().Draw(tech, &Params{Color: [4]float32{1, 0.5, 0.25, 1}}, vb, 0, 6))
	require.NoError(t, rm.UnbindTargets())
	require.NoError(t, rm.CopySliceInto3D(slice, vol, 2))

	for z := 0; z < 4; z++ {
		texels, err := rm.ReadSlice(vol, z)
		require.NoError(t, err)
		want := float32(0)
		if z == 2 {
			want = 1
		}
		for i := 0; i < len(texels); i += 4 {
			assert.Equal(t, want, texels[i], "slice %d texel %d", z, i/4)
		}
	}

	assert.ErrorIs(t, rm.CopySliceInto3D(slice, vol, 4), ErrContractViolation)
	assert.ErrorIs(t, rm.CopySliceInto3D(slice, vol, -1), ErrContractViolation)
	assert.ErrorIs(t, rm.CopySliceInto3D(vol, slice, 0), ErrContractViolation)
}

func TestClearDepthAndTarget(t *testing.T) {
	rm, _ := newTestManager(t)

	depth, err := rm.Allocate2D("depth", FormatDepth, 2, 2)
	require.NoError(t, err)
	color, err := rm.Allocate2D("color", FormatColor, 2, 2)
	require.NoError(t, err)

	require.NoError(t, rm.ClearDepthBuffer(depth))
	texels, err := rm.ReadSlice(depth, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), texels[0])

	require.NoError(t, rm.ClearTarget(color, [4]float32{0.1, 0.2, 0.3, 0.4}))
	texels, err = rm.ReadSlice(color, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, texels[:4])

	assert.ErrorIs(t, rm.ClearDepthBuffer(color), ErrContractViolation)
	assert.ErrorIs(t, rm.ClearTarget(depth, [4]float32{}), ErrContractViolation)
}

func TestUnknownHandles(t *testing.T) {
	rm, _ := newTestManager(t)

	_, err := rm.Descriptor(NoHandle)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.ErrorIs(t, rm.BindAsSource(7, "src"), ErrContractViolation)
	assert.ErrorIs(t, rm.BindAsTarget(7), ErrContractViolation)
	assert.ErrorIs(t, rm.ClearDepthBuffer(7), ErrContractViolation)
	_, err = rm.ReadSlice(7, 0)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.True(t, IsFatal(rm.Release(7)))
	assert.Equal(t, "", rm.Name(7))
}

func TestReleaseAllFreesDeviceMemory(t *testing.T) {
	rm, dev := newTestManager(t)

	a, err := rm.Allocate3D("a", FormatColor, 4, 4, 4)
	require.NoError(t, err)
	_, err = rm.Allocate2D("b", FormatDepth, 4, 4)
	require.NoError(t, err)
	require.NoError(t, rm.BindAsSource(a, "src"))
	assert.Equal(t, dev.UsedBytes(), rm.Bytes())
	assert.Positive(t, rm.Bytes())

	rm.ReleaseAll()
	assert.Equal(t, 0, rm.Live())
	assert.Zero(t, dev.UsedBytes())
}

func TestLabelsCarryInstanceID(t *testing.T) {
	rm, _ := newTestManager(t)

	h, err := rm.Allocate2D("color", FormatColor, 1, 1)
	require.NoError(t, err)
	tex, err := rm.Texture(h)
	require.NoError(t, err)
	assert.Equal(t, "color#1@"+rm.ID.String()[:8], tex.Desc().Label)
}

func TestContractfWrapsSentinel(t *testing.T) {
	err := Contractf("slot %q missing", "txSource")
	assert.True(t, errors.Is(err, ErrContractViolation))
	assert.Contains(t, err.Error(), `slot "txSource" missing`)
}
