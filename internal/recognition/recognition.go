// Package recognition turns a cropped plate image into plate text.
//
// Three outcomes are kept apart: a transport failure is returned as an error
// wrapping ErrTransport, a timeout and an empty answer are both returned as
// a result without plate text. The session routes all three to the same
// failure path.
package recognition

import (
	"context"
	"errors"
	"time"

	"github.com/platepay/kiosk-detector/pkg/types"
)

// ErrTransport wraps network failures, non-2xx responses and malformed
// response bodies.
var ErrTransport = errors.New("recognition: transport failure")

// Client recognises plate text in an encoded plate image.
type Client interface {
	Recognize(ctx context.Context, image []byte) (types.RecognitionResult, error)
}

// EventContext is sent with every request to describe the gate event.
type EventContext struct {
	EventType    string // ENTRY or EXIT
	ParkingLotID int64
}

// withTimeout runs call under a bounded deadline. When the deadline (and not
// the caller) ends the call, the result collapses to RecognitionTimeout.
func withTimeout(ctx context.Context, timeout time.Duration,
	call func(ctx context.Context) (types.RecognitionResult, error)) (types.RecognitionResult, error) {
	if timeout <= 0 {
		return call(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := call(callCtx)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		// Caller gave up; surface the cancellation as is.
		return types.RecognitionResult{}, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return types.Unrecognized(types.RecognitionTimeout), nil
	}
	return types.RecognitionResult{}, err
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
