package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync/atomic"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/platepay/kiosk-detector/pkg/types"
)

// Still serves one fixed image as every frame. It is used to bench-test the
// kiosk without a camera attached.
type Still struct {
	img      image.Image
	frameNum atomic.Uint64
	closed   atomic.Bool
}

// NewStill wraps an already decoded image.
func NewStill(img image.Image) *Still {
	return &Still{img: img}
}

// LoadStill decodes a JPEG, PNG or WebP file.
func LoadStill(path string) (*Still, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open still image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode still image %s: %w", path, err)
	}
	return NewStill(img), nil
}

// Capture implements Source.
func (s *Still) Capture(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() || s.img == nil {
		return nil, ErrUnavailable
	}
	b := s.img.Bounds()
	return &types.Frame{
		Pixels:    s.img,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Timestamp: time.Now(),
		FrameNum:  s.frameNum.Add(1),
	}, nil
}

// Close makes later captures fail with ErrUnavailable.
func (s *Still) Close() error {
	s.closed.Store(true)
	return nil
}
