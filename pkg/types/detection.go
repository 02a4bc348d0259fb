package types

import "time"

// VehicleClass is the detector label of a vehicle.
type VehicleClass string

const (
	VehicleCar        VehicleClass = "car"
	VehicleMotorcycle VehicleClass = "motorcycle"
	VehicleBus        VehicleClass = "bus"
	VehicleTruck      VehicleClass = "truck"
	VehicleBicycle    VehicleClass = "bicycle"
)

// ObjectDetection is one raw class/box/confidence triple from the general
// object detector.
type ObjectDetection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// VehicleDetection is an object detection that passed the vehicle filter.
type VehicleDetection struct {
	Box        BoundingBox  `json:"box"`
	Class      VehicleClass `json:"class"`
	Confidence float64      `json:"confidence"`
}

// CandidateSource tells where a plate candidate came from.
type CandidateSource int

const (
	// SourceDetected candidates come from the plate-detection service.
	SourceDetected CandidateSource = iota
	// SourceEstimated candidates are derived from a vehicle box and are
	// always lower-trust than any detected candidate.
	SourceEstimated
)

func (s CandidateSource) String() string {
	switch s {
	case SourceDetected:
		return "detected"
	case SourceEstimated:
		return "estimated"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CandidateSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlateCandidate is a box believed to contain a license plate.
type PlateCandidate struct {
	Box        BoundingBox     `json:"box"`
	Confidence float64         `json:"confidence"`
	Source     CandidateSource `json:"source"`
}

// RecognitionStatus distinguishes the non-error recognition outcomes.
type RecognitionStatus int

const (
	RecognitionOK RecognitionStatus = iota
	RecognitionNoText
	RecognitionTimeout
)

func (s RecognitionStatus) String() string {
	switch s {
	case RecognitionOK:
		return "ok"
	case RecognitionNoText:
		return "no_text"
	case RecognitionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RecognitionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RecognitionResult is the parsed answer of the recognition backend.
// A nil PlateText is a recognised failure, not an error.
type RecognitionResult struct {
	PlateText     *string           `json:"plate_text,omitempty"`
	RawConfidence *float64          `json:"raw_confidence,omitempty"`
	Status        RecognitionStatus `json:"status"`
}

// Recognized returns a result carrying the given plate text.
func Recognized(text string, confidence *float64) RecognitionResult {
	return RecognitionResult{PlateText: &text, RawConfidence: confidence, Status: RecognitionOK}
}

// Unrecognized returns an empty result with the given status.
func Unrecognized(status RecognitionStatus) RecognitionResult {
	return RecognitionResult{Status: status}
}

// HasPlate reports whether the result carries non-empty plate text.
func (r RecognitionResult) HasPlate() bool {
	return r.PlateText != nil && *r.PlateText != ""
}

// Plate returns the plate text or "".
func (r RecognitionResult) Plate() string {
	if r.PlateText == nil {
		return ""
	}
	return *r.PlateText
}

// ProcessedPlate is one completed session handed to the caller.
type ProcessedPlate struct {
	AttemptID   string    `json:"attempt_id"`
	Plate       string    `json:"plate"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	EventType   string    `json:"event_type"`
	LotID       int64     `json:"lot_id"`
	CompletedAt time.Time `json:"completed_at"`
}
