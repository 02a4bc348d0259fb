package plate

import (
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Proportions place an estimated plate inside a vehicle box. All values are
// fractions of the vehicle's width or height.
type Proportions struct {
	MarginX    float64 // trimmed from each side
	BandTop    float64 // measured from the top of the vehicle
	BandHeight float64
}

// DefaultProportions keep the middle 70% horizontally and the bottom 30%
// vertically.
func DefaultProportions() Proportions {
	return Proportions{MarginX: 0.15, BandTop: 0.70, BandHeight: 0.30}
}

// Estimate derives a plate box from a vehicle box. The result is in the
// vehicle's image space and is always tagged SourceEstimated.
func Estimate(vehicle types.BoundingBox, p Proportions, confidence float64) types.PlateCandidate {
	w := vehicle.Width()
	h := vehicle.Height()
	box := types.NewBox(
		vehicle.X1+w*p.MarginX,
		vehicle.Y1+h*p.BandTop,
		vehicle.X2-w*p.MarginX,
		vehicle.Y1+h*(p.BandTop+p.BandHeight),
		vehicle.Space,
	)
	return types.PlateCandidate{Box: box, Confidence: confidence, Source: types.SourceEstimated}
}
