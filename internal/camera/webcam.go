package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Webcam reads frames from a local capture device through OpenCV.
type Webcam struct {
	mu       sync.Mutex
	device   int
	capture  *gocv.VideoCapture
	mat      gocv.Mat
	frameNum atomic.Uint64
	log      *logger.Scoped
}

// OpenWebcam opens the capture device. The device is reopened lazily if a
// later read fails.
func OpenWebcam(device int, log *logger.Scoped) (*Webcam, error) {
	w := &Webcam{
		device: device,
		mat:    gocv.NewMat(),
		log:    log,
	}
	if err := w.open(); err != nil {
		w.mat.Close()
		return nil, err
	}
	return w, nil
}

func (w *Webcam) open() error {
	capture, err := gocv.OpenVideoCapture(w.device)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", w.device, err)
	}
	// Keep only the newest frame so a poll never sees a stale one.
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	w.capture = capture
	w.log.Info("Camera %d opened", w.device)
	return nil
}

// Capture implements Source.
func (w *Webcam) Capture(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture == nil {
		if err := w.open(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if ok := w.capture.Read(&w.mat); !ok || w.mat.Empty() {
		// Drop the handle so the next tick retries the open.
		w.capture.Close()
		w.capture = nil
		return nil, fmt.Errorf("%w: camera %d returned no frame", ErrUnavailable, w.device)
	}

	img, err := w.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: convert frame: %v", ErrUnavailable, err)
	}

	return &types.Frame{
		Pixels:    img,
		Width:     w.mat.Cols(),
		Height:    w.mat.Rows(),
		Timestamp: time.Now(),
		FrameNum:  w.frameNum.Add(1),
	}, nil
}

// Close releases the device.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.capture != nil {
		err = w.capture.Close()
		w.capture = nil
	}
	w.mat.Close()
	return err
}
