// Package vehicle decides whether a vehicle is present in a frame.
package vehicle

import (
	"context"
	"fmt"
	"sort"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// ObjectDetector is the general-purpose detector the filter runs on.
type ObjectDetector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.ObjectDetection, error)
}

// Detector keeps vehicle-class detections above a confidence floor.
type Detector struct {
	objects ObjectDetector
	classes map[string]types.VehicleClass
	minConf float64
	log     *logger.Scoped
}

// NewDetector builds a filter over objects. A detection qualifies when its
// label is one of classes and its confidence is strictly above minConf.
func NewDetector(objects ObjectDetector, classes []string, minConf float64, log *logger.Scoped) *Detector {
	set := make(map[string]types.VehicleClass, len(classes))
	for _, c := range classes {
		set[c] = types.VehicleClass(c)
	}
	return &Detector{objects: objects, classes: set, minConf: minConf, log: log}
}

// Detect returns qualifying vehicles, most confident first.
func (d *Detector) Detect(ctx context.Context, frame *types.Frame) ([]types.VehicleDetection, error) {
	raw, err := d.objects.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("object detector: %w", err)
	}

	var out []types.VehicleDetection
	for _, obj := range raw {
		class, ok := d.classes[obj.Label]
		if !ok || obj.Confidence <= d.minConf {
			continue
		}
		if obj.Box.Empty() {
			continue
		}
		out = append(out, types.VehicleDetection{
			Box:        obj.Box,
			Class:      class,
			Confidence: obj.Confidence,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	if len(out) > 0 {
		d.log.Debug("%d vehicle(s), best %s %.2f", len(out), out[0].Class, out[0].Confidence)
	}
	return out, nil
}

// Best returns the most confident vehicle, if any.
func Best(vehicles []types.VehicleDetection) (types.VehicleDetection, bool) {
	if len(vehicles) == 0 {
		return types.VehicleDetection{}, false
	}
	return vehicles[0], true
}
