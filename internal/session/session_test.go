package session

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platepay/kiosk-detector/internal/camera"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/internal/recognition"
	"github.com/platepay/kiosk-detector/pkg/types"
)

var frameSpace = types.ImageSpace{Width: 640, Height: 480}

type fakeCamera struct {
	mu       sync.Mutex
	failFrom int // captures numbered >= failFrom fail; 0 disables
	calls    int
}

func (c *fakeCamera) Capture(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failFrom > 0 && c.calls >= c.failFrom {
		return nil, camera.ErrUnavailable
	}
	return &types.Frame{
		Pixels:   image.NewRGBA(image.Rect(0, 0, frameSpace.Width, frameSpace.Height)),
		Width:    frameSpace.Width,
		Height:   frameSpace.Height,
		FrameNum: uint64(c.calls),
	}, nil
}

func (c *fakeCamera) Close() error { return nil }

// fakeVehicles reports a vehicle on the first n polls and nothing after.
type fakeVehicles struct {
	mu sync.Mutex
	n  int
}

func (v *fakeVehicles) Detect(context.Context, *types.Frame) ([]types.VehicleDetection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.n <= 0 {
		return nil, nil
	}
	v.n--
	return []types.VehicleDetection{testVehicle()}, nil
}

func testVehicle() types.VehicleDetection {
	return types.VehicleDetection{
		Box:        types.NewBox(100, 100, 500, 400, frameSpace),
		Class:      types.VehicleCar,
		Confidence: 0.9,
	}
}

type fakePlates struct {
	cands []types.PlateCandidate
}

func (p fakePlates) Locate(context.Context, *types.Frame, *types.VehicleDetection) []types.PlateCandidate {
	return p.cands
}

func detectedPlate() types.PlateCandidate {
	return types.PlateCandidate{
		Box:        types.NewBox(200, 300, 400, 350, frameSpace),
		Confidence: 0.9,
		Source:     types.SourceDetected,
	}
}

type fakeCropper struct{ err error }

func (c fakeCropper) Crop(image.Image, types.BoundingBox) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []byte("jpeg"), nil
}

type recognizerFunc func(ctx context.Context, img []byte) (types.RecognitionResult, error)

func (f recognizerFunc) Recognize(ctx context.Context, img []byte) (types.RecognitionResult, error) {
	return f(ctx, img)
}

func plateText(text string) recognizerFunc {
	return func(context.Context, []byte) (types.RecognitionResult, error) {
		return types.Recognized(text, nil), nil
	}
}

type fakeSignaler struct {
	mu      sync.Mutex
	signals []types.Outcome
	clears  int
}

func (s *fakeSignaler) Signal(o types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, o)
}

func (s *fakeSignaler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSignaler) Signals() []types.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Outcome(nil), s.signals...)
}

type statusLog struct {
	mu   sync.Mutex
	snap []types.SessionStatus
}

func (l *statusLog) record(s types.SessionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = append(l.snap, s)
}

// states returns the state sequence with consecutive repeats collapsed.
func (l *statusLog) states() []types.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.SessionState
	for _, s := range l.snap {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (l *statusLog) find(pred func(types.SessionStatus) bool) (types.SessionStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.snap {
		if pred(s) {
			return s, true
		}
	}
	return types.SessionStatus{}, false
}

type harness struct {
	m        *Machine
	camera   *fakeCamera
	vehicles *fakeVehicles
	signals  *fakeSignaler
	log      *statusLog
	metrics  *metrics.Metrics

	mu     sync.Mutex
	plates []types.ProcessedPlate
}

func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		StartDelay:   time.Millisecond,
		Countdown:    20 * time.Millisecond,
		DisplayDelay: 40 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{
		camera:   &fakeCamera{},
		vehicles: &fakeVehicles{n: 1},
		signals:  &fakeSignaler{},
		log:      &statusLog{},
		metrics:  metrics.New(),
	}
	if deps.Camera == nil {
		deps.Camera = h.camera
	}
	if deps.Vehicles == nil {
		deps.Vehicles = h.vehicles
	}
	if deps.Plates == nil {
		deps.Plates = fakePlates{cands: []types.PlateCandidate{detectedPlate()}}
	}
	if deps.Cropper == nil {
		deps.Cropper = fakeCropper{}
	}
	if deps.Recognizer == nil {
		deps.Recognizer = plateText("12가3456")
	}
	deps.Feedback = h.signals
	deps.Metrics = h.metrics
	deps.Event = recognition.EventContext{EventType: "ENTRY", ParkingLotID: 3}
	deps.OnStatus = h.log.record
	deps.OnComplete = func(p types.ProcessedPlate) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.plates = append(h.plates, p)
	}
	h.m = New(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.m.Stop(ctx)
	})
	return h
}

func (h *harness) waitForOutcomes(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.signals.Signals()) >= n }, 2*time.Second, 2*time.Millisecond)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		states := h.log.states()
		if len(states) == 0 || states[len(states)-1] != types.StateIdle {
			return false
		}
		return h.m.Status().State == types.StateIdle && h.m.ActiveAttempt() == ""
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSuccessfulAttempt(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	require.True(t, h.m.Start(context.Background()))
	assert.False(t, h.m.Start(context.Background()), "second Start must be refused")

	h.waitForOutcomes(t, 1)
	h.waitIdle(t)

	assert.Equal(t, []types.Outcome{types.OutcomeSuccess}, h.signals.Signals())
	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateVehicleDetected, types.StateProcessing, types.StateCompleted, types.StateIdle,
	}, h.log.states())

	completed, ok := h.log.find(func(s types.SessionStatus) bool { return s.State == types.StateCompleted })
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, completed.Outcome)
	assert.Equal(t, "12가3456", completed.LastResult.Plate())
	assert.NotEmpty(t, completed.AttemptID)
	require.NotNil(t, completed.Candidate)
	assert.Equal(t, types.SourceDetected, completed.Candidate.Source)

	h.mu.Lock()
	require.Len(t, h.plates, 1)
	assert.Equal(t, "12가3456", h.plates[0].Plate)
	assert.Equal(t, "ENTRY", h.plates[0].EventType)
	assert.Equal(t, int64(3), h.plates[0].LotID)
	assert.Equal(t, completed.AttemptID, h.plates[0].AttemptID)
	h.mu.Unlock()

	idle := h.m.Status()
	assert.Nil(t, idle.Vehicle)
	assert.Nil(t, idle.Candidate)
	assert.Empty(t, idle.AttemptID)
	assert.Equal(t, types.OutcomeSuccess, idle.LastFeedback)
	assert.Equal(t, uint64(1), h.metrics.Successes.Load())
}

func TestUnifiedFailurePath(t *testing.T) {
	empty := func(status types.RecognitionStatus) recognizerFunc {
		return func(context.Context, []byte) (types.RecognitionResult, error) {
			return types.Unrecognized(status), nil
		}
	}

	tests := []struct {
		name string
		deps Deps
		cam  func(*fakeCamera)
	}{
		{name: "no frame at processing", cam: func(c *fakeCamera) { c.failFrom = 2 }},
		{name: "no plate candidate", deps: Deps{Plates: fakePlates{}}},
		{name: "crop failed", deps: Deps{Cropper: fakeCropper{err: errors.New("too small")}}},
		{name: "recognition transport error", deps: Deps{Recognizer: recognizerFunc(func(context.Context, []byte) (types.RecognitionResult, error) {
			return types.RecognitionResult{}, recognition.ErrTransport
		})}},
		{name: "empty recognition", deps: Deps{Recognizer: empty(types.RecognitionNoText)}},
		{name: "recognition timeout", deps: Deps{Recognizer: empty(types.RecognitionTimeout)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fastConfig(), tt.deps)
			if tt.cam != nil {
				tt.cam(h.camera)
			}
			require.True(t, h.m.Start(context.Background()))

			h.waitForOutcomes(t, 1)
			h.waitIdle(t)

			assert.Equal(t, []types.Outcome{types.OutcomeFailure}, h.signals.Signals())
			assert.Equal(t, []types.SessionState{
				types.StateIdle, types.StateVehicleDetected, types.StateProcessing, types.StateCompleted, types.StateIdle,
			}, h.log.states())

			completed, ok := h.log.find(func(s types.SessionStatus) bool { return s.State == types.StateCompleted })
			require.True(t, ok)
			assert.Equal(t, types.OutcomeFailure, completed.Outcome)
			assert.Equal(t, 1, completed.ConsecutiveFailures)
			assert.Equal(t, uint64(1), h.metrics.Failures.Load())

			h.mu.Lock()
			assert.Empty(t, h.plates)
			h.mu.Unlock()
		})
	}
}

func TestEmptyPlateFieldCompletesAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"plateNumber":""}`)
	}))
	defer srv.Close()

	cfg := fastConfig()
	h := newHarness(t, cfg, Deps{
		Recognizer: recognition.NewHTTPClient(srv.URL, recognition.EventContext{EventType: "ENTRY", ParkingLotID: 1}, time.Second, nil),
	})
	require.True(t, h.m.Start(context.Background()))

	h.waitForOutcomes(t, 1)
	signalled := time.Now()
	h.waitIdle(t)

	assert.Equal(t, []types.Outcome{types.OutcomeFailure}, h.signals.Signals())
	assert.Less(t, time.Since(signalled), cfg.DisplayDelay+500*time.Millisecond)

	completed, ok := h.log.find(func(s types.SessionStatus) bool { return s.State == types.StateCompleted })
	require.True(t, ok)
	assert.Equal(t, types.OutcomeFailure, completed.Outcome)
	assert.Equal(t, types.RecognitionNoText, completed.LastResult.Status)
}

func TestRecognitionTimeoutMatchesEmptyPlate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, fastConfig(), Deps{
		Recognizer: recognition.NewHTTPClient(srv.URL, recognition.EventContext{EventType: "EXIT", ParkingLotID: 1}, 30*time.Millisecond, nil),
	})
	require.True(t, h.m.Start(context.Background()))

	h.waitForOutcomes(t, 1)
	h.waitIdle(t)

	assert.Equal(t, []types.Outcome{types.OutcomeFailure}, h.signals.Signals())
	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateVehicleDetected, types.StateProcessing, types.StateCompleted, types.StateIdle,
	}, h.log.states())
	assert.Equal(t, uint64(1), h.metrics.RecognitionTimeouts.Load())
}

func TestSecondTriggerDuringProcessingIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)

	h := newHarness(t, fastConfig(), Deps{
		Recognizer: recognizerFunc(func(ctx context.Context, _ []byte) (types.RecognitionResult, error) {
			defer calls.Done()
			close(entered)
			<-release
			return types.Recognized("12가3456", nil), nil
		}),
	})
	require.True(t, h.m.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never reached recognition")
	}

	active := h.m.ActiveAttempt()
	require.NotEmpty(t, active)
	require.Equal(t, types.StateProcessing, h.m.Status().State)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, h.m.Trigger(testVehicle()))
		}()
	}
	wg.Wait()

	assert.Equal(t, active, h.m.ActiveAttempt())
	assert.Equal(t, uint64(1), h.metrics.Attempts.Load())
	assert.Equal(t, uint64(8), h.metrics.RejectedTriggers.Load())

	close(release)
	calls.Wait()
	h.waitForOutcomes(t, 1)
	h.waitIdle(t)
	assert.Equal(t, uint64(1), h.metrics.Attempts.Load())
}

func TestTriggerStartsAttemptFromIdle(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	h.vehicles.n = 0
	require.True(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool { return h.m.Trigger(testVehicle()) }, time.Second, 2*time.Millisecond)

	h.waitForOutcomes(t, 1)
	assert.Equal(t, []types.Outcome{types.OutcomeSuccess}, h.signals.Signals())
}

func TestTriggerRejectedWhenStopped(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	assert.False(t, h.m.Trigger(testVehicle()))
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	var mu sync.Mutex
	answers := []string{"", "", "12가3456"}
	h := newHarness(t, fastConfig(), Deps{
		Recognizer: recognizerFunc(func(context.Context, []byte) (types.RecognitionResult, error) {
			mu.Lock()
			defer mu.Unlock()
			text := answers[0]
			answers = answers[1:]
			if text == "" {
				return types.Unrecognized(types.RecognitionNoText), nil
			}
			return types.Recognized(text, nil), nil
		}),
	})
	h.vehicles.n = 3
	require.True(t, h.m.Start(context.Background()))

	h.waitForOutcomes(t, 3)
	h.waitIdle(t)

	assert.Equal(t, []types.Outcome{types.OutcomeFailure, types.OutcomeFailure, types.OutcomeSuccess}, h.signals.Signals())
	_, sawTwo := h.log.find(func(s types.SessionStatus) bool { return s.ConsecutiveFailures == 2 })
	assert.True(t, sawTwo)
	assert.Equal(t, 0, h.m.Status().ConsecutiveFailures)
}

func TestCountdownPublishesWholeSeconds(t *testing.T) {
	cfg := fastConfig()
	cfg.Countdown = 1200 * time.Millisecond
	h := newHarness(t, cfg, Deps{})
	require.True(t, h.m.Start(context.Background()))

	h.waitForOutcomes(t, 1)

	var seen []int
	h.log.mu.Lock()
	for _, s := range h.log.snap {
		if s.State == types.StateVehicleDetected && s.Countdown > 0 {
			if len(seen) == 0 || seen[len(seen)-1] != s.Countdown {
				seen = append(seen, s.Countdown)
			}
		}
	}
	h.log.mu.Unlock()
	assert.Equal(t, []int{2, 1}, seen)
}

func TestStopDuringCountdownCleansUp(t *testing.T) {
	cfg := fastConfig()
	cfg.Countdown = time.Hour
	h := newHarness(t, cfg, Deps{})
	require.True(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.m.Status().State == types.StateVehicleDetected
	}, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.m.Stop(ctx))

	s := h.m.Status()
	assert.Equal(t, types.StateIdle, s.State)
	assert.False(t, s.Running)
	assert.Nil(t, s.Vehicle)
	assert.Empty(t, h.m.ActiveAttempt())
	assert.Empty(t, h.signals.Signals())
}

func TestStopAbandonsInFlightRecognition(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, fastConfig(), Deps{
		Recognizer: recognizerFunc(func(ctx context.Context, _ []byte) (types.RecognitionResult, error) {
			close(entered)
			<-ctx.Done()
			return types.RecognitionResult{}, ctx.Err()
		}),
	})
	require.True(t, h.m.Start(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.m.Stop(ctx))

	assert.Empty(t, h.m.ActiveAttempt())
	assert.Equal(t, types.StateIdle, h.m.Status().State)
	assert.Empty(t, h.signals.Signals(), "abandoned attempts give no feedback")
	assert.Equal(t, uint64(0), h.metrics.RecognitionErrs.Load())
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	h.vehicles.n = 0
	require.True(t, h.m.Start(context.Background()))
	require.NoError(t, h.m.Stop(context.Background()))
	assert.False(t, h.m.Running())

	h.vehicles.mu.Lock()
	h.vehicles.n = 1
	h.vehicles.mu.Unlock()
	require.True(t, h.m.Start(context.Background()))
	h.waitForOutcomes(t, 1)
}

func TestRestartRefusedWhileStoppedLoopDrains(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, fastConfig(), Deps{
		// Ignores ctx, like a backend call stuck past its deadline.
		Recognizer: recognizerFunc(func(context.Context, []byte) (types.RecognitionResult, error) {
			close(entered)
			<-release
			return types.Recognized("12가3456", nil), nil
		}),
	})
	require.True(t, h.m.Start(context.Background()))
	<-entered
	held := h.m.ActiveAttempt()
	require.NotEmpty(t, held)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.m.Stop(ctx), context.DeadlineExceeded)

	assert.True(t, h.m.Running(), "loop still owns the attempt")
	assert.True(t, h.m.Status().Running)
	assert.False(t, h.m.Start(context.Background()), "second loop while the first holds the lock")
	assert.Equal(t, held, h.m.ActiveAttempt())

	close(release)
	require.NoError(t, h.m.Stop(context.Background()))
	assert.False(t, h.m.Running())
	assert.False(t, h.m.Status().Running)
	assert.Empty(t, h.m.ActiveAttempt())
	assert.Empty(t, h.signals.Signals(), "abandoned attempts give no feedback")

	h.vehicles.mu.Lock()
	h.vehicles.n = 0
	h.vehicles.mu.Unlock()
	assert.True(t, h.m.Start(context.Background()))
}

func TestLoopReportsStoppedWhenParentCancelled(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	h.vehicles.n = 0
	parent, cancel := context.WithCancel(context.Background())
	require.True(t, h.m.Start(parent))
	cancel()

	require.Eventually(t, func() bool { return !h.m.Running() }, time.Second, 2*time.Millisecond)
	assert.False(t, h.m.Status().Running)
	assert.True(t, h.m.Start(context.Background()))
}

func TestCameraUnavailableWhileIdleIsRetried(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	h.camera.failFrom = 1
	require.True(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool { return h.metrics.CaptureFailures.Load() >= 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, types.StateIdle, h.m.Status().State)
	assert.Equal(t, uint64(0), h.metrics.Attempts.Load())
}

func TestReleaseByStrangerPanics(t *testing.T) {
	h := newHarness(t, fastConfig(), Deps{})
	token := h.m.acquire()
	assert.Panics(t, func() { h.m.acquire() })
	assert.Panics(t, func() { h.m.release("someone-else") })
	h.m.release(token)
	assert.Empty(t, h.m.ActiveAttempt())
}
