// Package plate finds license plates in a frame.
//
// The dedicated plate-detection service is tried first. When it fails or
// finds nothing, a plate box is estimated from the vehicle box.
package plate

import (
	"context"
	"sort"
	"time"

	"github.com/platepay/kiosk-detector/internal/coords"
	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Detector is the plate-detection service seen by the localizer.
type Detector interface {
	DetectPlates(ctx context.Context, frame *types.Frame) ([]types.PlateCandidate, error)
}

// LocalizerConfig controls candidate filtering and the fallback.
type LocalizerConfig struct {
	MinConfidence       float64
	Proportions         Proportions
	EstimatedConfidence float64
}

// Localizer implements the two-tier plate search.
type Localizer struct {
	service Detector
	cfg     LocalizerConfig
	metrics *metrics.Metrics
	log     *logger.Scoped
}

// NewLocalizer creates a localizer. service may be nil, in which case only
// the geometric estimate is used. m may be nil.
func NewLocalizer(service Detector, cfg LocalizerConfig, m *metrics.Metrics, log *logger.Scoped) *Localizer {
	return &Localizer{service: service, cfg: cfg, metrics: m, log: log}
}

// Locate returns candidates in the frame's native image space, ordered by
// preference. An empty result means no plate was found; it is not an error.
func (l *Localizer) Locate(ctx context.Context, frame *types.Frame, vehicle *types.VehicleDetection) []types.PlateCandidate {
	native := frame.Space()

	if detected := l.detect(ctx, frame, native); len(detected) > 0 {
		return detected
	}

	if vehicle == nil {
		l.log.Info("No plate from service and no vehicle box to estimate from")
		return nil
	}

	est := Estimate(vehicle.Box, l.cfg.Proportions, l.cfg.EstimatedConfidence)
	box, ok := coords.Remap(est.Box, native)
	if !ok {
		l.log.Warn("Estimated plate box %s collapsed outside the frame", est.Box)
		return nil
	}
	est.Box = box
	if l.metrics != nil {
		l.metrics.EstimatedPlates.Add(1)
	}
	l.log.Info("Using estimated plate box %s", est.Box)
	return []types.PlateCandidate{est}
}

func (l *Localizer) detect(ctx context.Context, frame *types.Frame, native types.ImageSpace) []types.PlateCandidate {
	if l.service == nil {
		return nil
	}

	start := time.Now()
	raw, err := l.service.DetectPlates(ctx, frame)
	if l.metrics != nil {
		metrics.ObserveLatency(&l.metrics.PlateLatencyMs, time.Since(start))
	}
	if err != nil {
		if l.metrics != nil {
			l.metrics.PlateServiceErrs.Add(1)
		}
		l.log.Warn("Plate service: %v", err)
		return nil
	}

	out := make([]types.PlateCandidate, 0, len(raw))
	for _, c := range raw {
		if c.Confidence < l.cfg.MinConfidence {
			continue
		}
		box, ok := coords.Remap(c.Box, native)
		if !ok {
			l.log.Debug("Dropping plate box %s: empty after remap", c.Box)
			continue
		}
		c.Box = box
		c.Source = types.SourceDetected
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	l.log.Debug("Plate service returned %d box(es), %d usable", len(raw), len(out))
	return out
}

// SelectBest picks the candidate to crop. Any detected candidate beats any
// estimated one regardless of confidence; within a source the highest
// confidence wins.
func SelectBest(candidates []types.PlateCandidate) (types.PlateCandidate, bool) {
	var best types.PlateCandidate
	found := false
	for _, c := range candidates {
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b types.PlateCandidate) bool {
	if a.Source != b.Source {
		return a.Source == types.SourceDetected
	}
	return a.Confidence > b.Confidence
}
