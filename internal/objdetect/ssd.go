// Package objdetect runs the general-purpose object detector used for
// vehicle presence.
package objdetect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// ErrNotLoaded is returned by Detect when the network failed to load.
var ErrNotLoaded = errors.New("objdetect: network not loaded")

// Each SSD output row is [batch, class, confidence, x1, y1, x2, y2] with
// corners normalised to [0,1].
const rowWidth = 7

// minReportConfidence drops background noise before the caller's own floor.
const minReportConfidence = 0.2

// cocoLabels maps COCO class ids of the SSD MobileNet graph to names.
var cocoLabels = map[int]string{
	1:  "person",
	2:  "bicycle",
	3:  "car",
	4:  "motorcycle",
	6:  "bus",
	8:  "truck",
	10: "traffic light",
	13: "stop sign",
}

// SSD wraps an SSD MobileNet COCO network loaded through OpenCV DNN.
type SSD struct {
	mu       sync.Mutex
	net      gocv.Net
	inputDim int
	log      *logger.Scoped
}

// NewSSD loads the model weights and graph config.
func NewSSD(modelPath, configPath string, inputDim int, log *logger.Scoped) (*SSD, error) {
	for _, p := range []string{modelPath, configPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("detector model file: %w", err)
		}
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}
	if inputDim <= 0 {
		inputDim = 300
	}

	log.Info("Detection network loaded (%s, input %dx%d)", modelPath, inputDim, inputDim)
	return &SSD{net: net, inputDim: inputDim, log: log}, nil
}

// Detect runs one forward pass. Boxes are returned in the frame's native
// image space.
func (d *SSD) Detect(ctx context.Context, frame *types.Frame) ([]types.ObjectDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.net.Empty() {
		return nil, ErrNotLoaded
	}

	mat, err := gocv.ImageToMatRGB(frame.Pixels)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("objdetect: empty frame")
	}

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(d.inputDim, d.inputDim),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/rowWidth)
	defer rows.Close()

	space := frame.Space()
	w, h := float64(space.Width), float64(space.Height)

	var out []types.ObjectDetection
	for i := 0; i < rows.Rows(); i++ {
		conf := float64(rows.GetFloatAt(i, 2))
		if conf < minReportConfidence {
			continue
		}
		label, ok := cocoLabels[int(rows.GetFloatAt(i, 1))]
		if !ok {
			continue
		}
		box := types.NewBox(
			float64(rows.GetFloatAt(i, 3))*w,
			float64(rows.GetFloatAt(i, 4))*h,
			float64(rows.GetFloatAt(i, 5))*w,
			float64(rows.GetFloatAt(i, 6))*h,
			space,
		)
		out = append(out, types.ObjectDetection{Label: label, Confidence: conf, Box: box})
	}

	d.log.Debug("frame %d: %d objects", frame.FrameNum, len(out))
	return out, nil
}

// Close releases the network.
func (d *SSD) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
