package types

import "fmt"

// BoundingBox is a corner-form rectangle in pixels, tagged with the image
// space it was produced in. Comparing or cropping a box against any other
// space requires coords.Remap first.
type BoundingBox struct {
	X1    float64    `json:"x1"`
	Y1    float64    `json:"y1"`
	X2    float64    `json:"x2"`
	Y2    float64    `json:"y2"`
	Space ImageSpace `json:"space"`
}

// NewBox builds a box in the given space. It panics when the space is not
// valid, since an untagged box cannot be interpreted.
func NewBox(x1, y1, x2, y2 float64, space ImageSpace) BoundingBox {
	if !space.Valid() {
		panic(fmt.Sprintf("types: bounding box created without image space (%dx%d)", space.Width, space.Height))
	}
	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2, Space: space}
}

// Width returns X2-X1.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2-Y1.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Empty reports whether the box has no positive area.
func (b BoundingBox) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%.1f,%.1f)-(%.1f,%.1f)@%dx%d", b.X1, b.Y1, b.X2, b.Y2, b.Space.Width, b.Space.Height)
}
