// Package crop cuts a plate sub-image out of a frame and encodes it.
package crop

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"github.com/platepay/kiosk-detector/pkg/types"
)

var (
	// ErrEmptyBox is returned when the box has no area inside the image.
	ErrEmptyBox = errors.New("crop: box is empty")
	// ErrTooSmall is returned when the box is below the minimum plate size.
	ErrTooSmall = errors.New("crop: box too small")
)

// Options controls crop validation and encoding.
type Options struct {
	MinWidth     int
	MinHeight    int
	Quality      int // JPEG quality, 1-100
	UpscaleWidth int // narrower crops are scaled up to this width; 0 disables
}

// DefaultOptions match the kiosk defaults.
func DefaultOptions() Options {
	return Options{MinWidth: 30, MinHeight: 10, Quality: 90}
}

// Cropper produces encoded plate images.
type Cropper struct {
	opts Options
}

// New creates a Cropper.
func New(opts Options) *Cropper {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 90
	}
	return &Cropper{opts: opts}
}

// Crop returns the JPEG-encoded region of img covered by box. box must
// already be in img's image space; passing a box from any other space is a
// programming error and panics.
func (c *Cropper) Crop(img image.Image, box types.BoundingBox) ([]byte, error) {
	bounds := img.Bounds()
	space := types.ImageSpace{Width: bounds.Dx(), Height: bounds.Dy()}
	if box.Space != space {
		panic(fmt.Sprintf("crop: box in %dx%d space cropped from %dx%d image",
			box.Space.Width, box.Space.Height, space.Width, space.Height))
	}

	rect := image.Rect(
		int(math.Floor(box.X1)), int(math.Floor(box.Y1)),
		int(math.Ceil(box.X2)), int(math.Ceil(box.Y2)),
	).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, ErrEmptyBox
	}
	if rect.Dx() < c.opts.MinWidth || rect.Dy() < c.opts.MinHeight {
		return nil, fmt.Errorf("%w: %dx%d, need at least %dx%d",
			ErrTooSmall, rect.Dx(), rect.Dy(), c.opts.MinWidth, c.opts.MinHeight)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(dst, image.Point{}, img, rect, draw.Src, nil)

	var out image.Image = dst
	if c.opts.UpscaleWidth > 0 && rect.Dx() < c.opts.UpscaleWidth {
		out = upscale(dst, c.opts.UpscaleWidth)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.opts.Quality}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// upscale resizes src to width, keeping the aspect ratio.
func upscale(src *image.RGBA, width int) *image.RGBA {
	b := src.Bounds()
	height := int(math.Round(float64(b.Dy()) * float64(width) / float64(b.Dx())))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
