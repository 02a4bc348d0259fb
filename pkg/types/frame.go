package types

import (
	"image"
	"time"
)

// ImageSpace is the pixel size an image was produced or evaluated at.
// Every BoundingBox carries one.
type ImageSpace struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (s ImageSpace) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Frame is one captured camera image with its native resolution.
// Frames are used for a single poll or attempt and then dropped.
type Frame struct {
	Pixels    image.Image // Decoded pixel buffer
	Width     int         // Native sensor width
	Height    int         // Native sensor height
	Timestamp time.Time   // Capture time
	FrameNum  uint64      // Sequential frame number from the source
}

// Space returns the frame's native image space.
func (f *Frame) Space() ImageSpace {
	return ImageSpace{Width: f.Width, Height: f.Height}
}
