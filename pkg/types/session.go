package types

import "time"

// SessionState is the phase of the kiosk session state machine.
type SessionState int

const (
	StateIdle SessionState = iota
	StateVehicleDetected
	StateProcessing
	StateCompleted
)

var stateNames = map[SessionState]string{
	StateIdle:            "idle",
	StateVehicleDetected: "vehicle_detected",
	StateProcessing:      "processing",
	StateCompleted:       "completed",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result of one processing attempt.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// SessionStatus is the observable snapshot published to the presentation layer.
type SessionStatus struct {
	State               SessionState       `json:"state"`
	Outcome             Outcome            `json:"outcome"`
	Countdown           int                `json:"countdown"`
	AttemptID           string             `json:"attempt_id,omitempty"`
	Vehicle             *VehicleDetection  `json:"vehicle,omitempty"`
	Candidate           *PlateCandidate    `json:"candidate,omitempty"`
	LastResult          *RecognitionResult `json:"last_result,omitempty"`
	LastFeedback        Outcome            `json:"last_feedback"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Running             bool               `json:"running"`
	Version             uint64             `json:"version"`
	UpdatedAt           time.Time          `json:"updated_at"`
}
