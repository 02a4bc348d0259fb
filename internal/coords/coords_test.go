package coords

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platepay/kiosk-detector/pkg/types"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func space(w, h int) types.ImageSpace { return types.ImageSpace{Width: w, Height: h} }

func TestRemapIdentity(t *testing.T) {
	boxes := []types.BoundingBox{
		types.NewBox(0, 0, 640, 640, space(640, 640)),
		types.NewBox(12.345, 67.891, 100.001, 200.999, space(640, 640)),
		types.NewBox(1, 2, 3, 4, space(1920, 1080)),
	}
	for _, b := range boxes {
		got, ok := Remap(b, b.Space)
		require.True(t, ok)
		// Exact equality, not approximate: the same-space path must not scale.
		assert.Equal(t, b, got)
	}
}

func TestRemapComposability(t *testing.T) {
	a, b, c := space(640, 640), space(1280, 1080), space(320, 240)
	box := types.NewBox(33.3, 71.7, 412.9, 500.1, a)

	ab, ok := Remap(box, b)
	require.True(t, ok)
	abc, ok := Remap(ab, c)
	require.True(t, ok)
	ac, ok := Remap(box, c)
	require.True(t, ok)

	if diff := cmp.Diff(ac, abc, approx); diff != "" {
		t.Errorf("composed remap mismatch (-direct +composed):\n%s", diff)
	}
}

func TestRemapClampSafety(t *testing.T) {
	from, to := space(640, 480), space(1280, 720)
	box := types.NewBox(-50, -20, 700, 500, from)

	got, ok := Remap(box, to)
	require.True(t, ok)
	assert.GreaterOrEqual(t, got.X1, 0.0)
	assert.GreaterOrEqual(t, got.Y1, 0.0)
	assert.LessOrEqual(t, got.X2, float64(to.Width))
	assert.LessOrEqual(t, got.Y2, float64(to.Height))
	assert.Equal(t, to, got.Space)
}

func TestRemapCollapsedBoxIsRejected(t *testing.T) {
	box := types.NewBox(700, 10, 800, 50, space(640, 480))
	_, ok := Remap(box, space(1280, 960))
	assert.False(t, ok)
}

func TestCenterPlateRemappedToNativeFrame(t *testing.T) {
	service := space(640, 640)
	native := space(1280, 1080)

	corner := FromCenter(100, 50, 80, 20, service)
	want := types.NewBox(60, 40, 140, 60, service)
	if diff := cmp.Diff(want, corner, approx); diff != "" {
		t.Fatalf("centre to corner (-want +got):\n%s", diff)
	}

	got, ok := Remap(corner, native)
	require.True(t, ok)
	want = types.NewBox(120, 67.5, 280, 101.25, native)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("remap to native (-want +got):\n%s", diff)
	}
}

func TestRemapPanicsOnUntaggedBox(t *testing.T) {
	box := types.BoundingBox{X1: 1, Y1: 1, X2: 5, Y2: 5}
	assert.Panics(t, func() { Remap(box, space(10, 10)) })
}

func TestRemapBetweenRejectsMismatchedTag(t *testing.T) {
	box := types.NewBox(1, 1, 5, 5, space(10, 10))
	assert.Panics(t, func() { RemapBetween(box, space(20, 20), space(40, 40)) })
}
