// Package coords converts bounding boxes between image spaces.
//
// The plate-detection service, the vehicle detector and the crop step may all
// observe a frame at different resolutions. Every box is tagged with the space
// it was produced in and must pass through Remap before it is used against a
// different one.
package coords

import (
	"fmt"

	"github.com/platepay/kiosk-detector/pkg/types"
)

// Remap converts box from its own space into to. The second return value is
// false when clamping collapsed the box to zero area; such boxes must be
// discarded by the caller.
func Remap(box types.BoundingBox, to types.ImageSpace) (types.BoundingBox, bool) {
	return RemapBetween(box, box.Space, to)
}

// RemapBetween converts box from space from into space to. It panics when
// either space is invalid or when from disagrees with the box's own tag.
func RemapBetween(box types.BoundingBox, from, to types.ImageSpace) (types.BoundingBox, bool) {
	mustSpace(from, "source")
	mustSpace(to, "target")
	if box.Space != from {
		panic(fmt.Sprintf("coords: box tagged %dx%d remapped from %dx%d",
			box.Space.Width, box.Space.Height, from.Width, from.Height))
	}

	if from == to {
		// Same space: no scaling, only bounds enforcement.
		out := Clamp(box)
		return out, !out.Empty()
	}

	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)

	out := types.BoundingBox{
		X1:    box.X1 * sx,
		Y1:    box.Y1 * sy,
		X2:    box.X2 * sx,
		Y2:    box.Y2 * sy,
		Space: to,
	}
	out = Clamp(out)
	return out, !out.Empty()
}

// Clamp restricts box to [0,width]x[0,height] of its own space.
func Clamp(box types.BoundingBox) types.BoundingBox {
	mustSpace(box.Space, "box")
	w := float64(box.Space.Width)
	h := float64(box.Space.Height)
	box.X1 = clamp(box.X1, 0, w)
	box.X2 = clamp(box.X2, 0, w)
	box.Y1 = clamp(box.Y1, 0, h)
	box.Y2 = clamp(box.Y2, 0, h)
	return box
}

// FromCenter converts a centre-form (cx, cy, w, h) rectangle into a
// corner-form box in the given space. No clamping is applied.
func FromCenter(cx, cy, w, h float64, space types.ImageSpace) types.BoundingBox {
	return types.NewBox(cx-w/2, cy-h/2, cx+w/2, cy+h/2, space)
}

func mustSpace(s types.ImageSpace, what string) {
	if !s.Valid() {
		panic(fmt.Sprintf("coords: %s image space is not set (%dx%d)", what, s.Width, s.Height))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
