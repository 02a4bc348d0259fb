// Package camera provides frames to the detection pipeline.
package camera

import (
	"context"
	"errors"

	"github.com/platepay/kiosk-detector/pkg/types"
)

// ErrUnavailable is returned when the sensor has no frame to give. Callers
// treat it as "no frame this tick" and try again on the next one.
var ErrUnavailable = errors.New("camera: frame unavailable")

// Source yields the current frame on demand.
type Source interface {
	// Capture returns the latest frame. It must return within a bounded
	// time and wraps ErrUnavailable when the sensor cannot deliver.
	Capture(ctx context.Context) (*types.Frame, error)
	Close() error
}
