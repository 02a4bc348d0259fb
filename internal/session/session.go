// Package session runs the kiosk control loop:
//
//	Idle -> VehicleDetected -> Processing -> Completed -> Idle
//
// One goroutine owns every transition. Polling in Idle, the settle
// countdown, the processing attempt and the display delay all run on it in
// sequence, so the poll loop is stopped before the countdown begins and
// cannot resume until the machine is back in Idle. Every blocking step takes
// the loop's context, and Stop cancels it.
package session

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platepay/kiosk-detector/internal/camera"
	"github.com/platepay/kiosk-detector/internal/coords"
	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/internal/plate"
	"github.com/platepay/kiosk-detector/internal/recognition"
	"github.com/platepay/kiosk-detector/internal/vehicle"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Config holds the session timing.
type Config struct {
	PollInterval time.Duration
	StartDelay   time.Duration
	Countdown    time.Duration
	DisplayDelay time.Duration
}

// VehicleDetector reports vehicles in a frame, most confident first.
type VehicleDetector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.VehicleDetection, error)
}

// PlateLocator returns plate candidates in the frame's native space.
type PlateLocator interface {
	Locate(ctx context.Context, frame *types.Frame, vehicle *types.VehicleDetection) []types.PlateCandidate
}

// Cropper encodes the region of img covered by box.
type Cropper interface {
	Crop(img image.Image, box types.BoundingBox) ([]byte, error)
}

// Signaler gives audio-visual feedback.
type Signaler interface {
	Signal(outcome types.Outcome)
	Clear()
}

// Deps are the collaborators of a Machine. Metrics, Log, OnStatus and
// OnComplete may be nil.
type Deps struct {
	Camera     camera.Source
	Vehicles   VehicleDetector
	Plates     PlateLocator
	Cropper    Cropper
	Recognizer recognition.Client
	Feedback   Signaler
	Event      recognition.EventContext

	Metrics *metrics.Metrics
	Log     *logger.Scoped

	// OnStatus receives every published snapshot, in Version order.
	OnStatus func(types.SessionStatus)
	// OnComplete receives every successfully recognised plate.
	OnComplete func(types.ProcessedPlate)
}

// Machine is the session state machine.
type Machine struct {
	cfg  Config
	deps Deps
	log  *logger.Scoped

	// trigger carries an externally reported vehicle into the Idle loop.
	trigger chan types.VehicleDetection

	// lifecycle
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// publishMu serialises OnStatus delivery.
	publishMu sync.Mutex

	mu      sync.Mutex
	status  types.SessionStatus
	attempt string // active attempt token; "" when no attempt holds the lock
}

// New creates a stopped machine.
func New(cfg Config, deps Deps) *Machine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Machine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log,
		trigger: make(chan types.VehicleDetection, 1),
		status:  types.SessionStatus{State: types.StateIdle, UpdatedAt: time.Now()},
	}
}

// Start launches the control loop. It returns false while a loop is still
// running, including one that was told to stop and has not exited yet.
func (m *Machine) Start(parent context.Context) bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if alive(m.done) {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	m.publish(func(s *types.SessionStatus) { s.Running = true })
	m.log.Info("Session loop started")

	go func() {
		defer close(done)
		defer cancel()
		m.run(ctx)

		// The attempt lock is released by now; only this goroutine may
		// report the loop as gone.
		m.publish(func(s *types.SessionStatus) {
			s.Running = false
			resetSession(s)
		})
		m.log.Info("Session loop stopped")
	}()
	return true
}

// Stop cancels the loop and waits for it to exit, or for ctx to expire. On
// expiry the loop keeps draining in the background and Running stays true
// until it exits; Stop may be called again to keep waiting.
// In-flight service calls are abandoned through the loop's context.
func (m *Machine) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.lifeMu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session loop did not stop: %w", ctx.Err())
	}
}

// Running reports whether the control loop goroutine is still alive.
func (m *Machine) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return alive(m.done)
}

func alive(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Status returns the latest snapshot.
func (m *Machine) Status() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ActiveAttempt returns the token of the attempt holding the single-flight
// lock, or "".
func (m *Machine) ActiveAttempt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Trigger reports a vehicle from outside the poll loop, for example a gate
// sensor. It is accepted only while the machine is polling in Idle; during
// any other phase it is rejected and the active attempt is left untouched.
func (m *Machine) Trigger(v types.VehicleDetection) bool {
	m.mu.Lock()
	idle := m.status.State == types.StateIdle && m.attempt == "" && m.status.Running
	m.mu.Unlock()

	if !idle {
		m.deps.Metrics.RejectedTriggers.Add(1)
		m.log.Debug("Trigger rejected in state %s", m.Status().State)
		return false
	}
	select {
	case m.trigger <- v:
		return true
	default:
		// One trigger is already pending.
		m.deps.Metrics.RejectedTriggers.Add(1)
		return false
	}
}

func (m *Machine) run(ctx context.Context) {
	for {
		v, ok := m.idle(ctx)
		if !ok {
			return
		}

		m.publish(func(s *types.SessionStatus) {
			s.State = types.StateVehicleDetected
			s.Vehicle = &v
		})
		m.log.Info("Vehicle detected: %s %.2f at %s", v.Class, v.Confidence, v.Box)

		if !m.countdown(ctx) {
			return
		}

		if !m.attemptOnce(ctx, v) {
			return
		}
	}
}

// idle polls until a qualifying vehicle is found or a trigger arrives.
func (m *Machine) idle(ctx context.Context) (types.VehicleDetection, bool) {
	m.publish(func(s *types.SessionStatus) {
		resetSession(s)
	})
	// Drop any trigger that raced with the previous attempt.
	select {
	case <-m.trigger:
	default:
	}

	if !sleep(ctx, m.cfg.StartDelay) {
		return types.VehicleDetection{}, false
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if v, ok := m.poll(ctx); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			return types.VehicleDetection{}, false
		case v := <-m.trigger:
			return v, true
		case <-ticker.C:
		}
	}
}

// poll captures one frame and runs the vehicle detector on it. The frame is
// dropped before returning.
func (m *Machine) poll(ctx context.Context) (types.VehicleDetection, bool) {
	m.deps.Metrics.Polls.Add(1)

	frame, err := m.deps.Camera.Capture(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.deps.Metrics.CaptureFailures.Add(1)
			m.log.Debug("No frame this tick: %v", err)
		}
		return types.VehicleDetection{}, false
	}
	m.deps.Metrics.FramesCaptured.Add(1)

	vehicles, err := m.deps.Vehicles.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			m.deps.Metrics.DetectorErrors.Add(1)
			m.log.Warn("Vehicle detector: %v", err)
		}
		return types.VehicleDetection{}, false
	}

	best, ok := vehicle.Best(vehicles)
	if ok {
		m.deps.Metrics.VehiclesSeen.Add(1)
	}
	return best, ok
}

// countdown publishes whole seconds remaining until the settle period ends.
func (m *Machine) countdown(ctx context.Context) bool {
	deadline := time.Now().Add(m.cfg.Countdown)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		secs := int(math.Ceil(remaining.Seconds()))
		m.publish(func(s *types.SessionStatus) { s.Countdown = secs })

		// Sleep to the next whole-second boundary.
		step := remaining - time.Duration(secs-1)*time.Second
		if !sleep(ctx, step) {
			return false
		}
	}
	m.publish(func(s *types.SessionStatus) { s.Countdown = 0 })
	return true
}

// attemptOnce runs Processing and Completed for one vehicle. It returns
// false when the loop was cancelled. The single-flight lock is released and
// session data cleared on every path out.
func (m *Machine) attemptOnce(ctx context.Context, v types.VehicleDetection) bool {
	token := m.acquire()
	started := time.Now()
	defer func() {
		m.deps.Feedback.Clear()
		m.release(token)
		metrics.ObserveLatency(&m.deps.Metrics.AttemptLatencyMs, time.Since(started))
	}()

	m.deps.Metrics.Attempts.Add(1)
	m.publish(func(s *types.SessionStatus) {
		s.State = types.StateProcessing
		s.AttemptID = token
		s.Candidate = nil
	})
	m.log.Info("Attempt %s: processing", token)

	res, cand, reason := m.process(ctx, token, v)
	if ctx.Err() != nil {
		m.log.Info("Attempt %s abandoned: %v", token, ctx.Err())
		return false
	}

	outcome := types.OutcomeFailure
	if reason == "" && res.HasPlate() {
		outcome = types.OutcomeSuccess
	}
	m.complete(token, outcome, res, cand, reason)

	return sleep(ctx, m.cfg.DisplayDelay)
}

// process captures a fresh frame and runs localize, crop and recognize. A
// non-empty reason means the attempt failed before recognition produced a
// result; the caller does not distinguish reasons.
func (m *Machine) process(ctx context.Context, token string, v types.VehicleDetection) (types.RecognitionResult, *types.PlateCandidate, string) {
	frame, err := m.deps.Camera.Capture(ctx)
	if err != nil {
		m.deps.Metrics.CaptureFailures.Add(1)
		return types.RecognitionResult{}, nil, fmt.Sprintf("no frame: %v", err)
	}
	m.deps.Metrics.FramesCaptured.Add(1)

	candidates := m.deps.Plates.Locate(ctx, frame, &v)
	best, ok := plate.SelectBest(candidates)
	if !ok {
		return types.RecognitionResult{}, nil, "no plate candidate"
	}
	m.mustOwn(token)
	m.publish(func(s *types.SessionStatus) { s.Candidate = &best })

	// Candidates are in the frame's declared space; the crop works on the
	// decoded pixel buffer, which may differ.
	b := frame.Pixels.Bounds()
	box, ok := coords.Remap(best.Box, types.ImageSpace{Width: b.Dx(), Height: b.Dy()})
	if !ok {
		m.deps.Metrics.CropFailures.Add(1)
		return types.RecognitionResult{}, &best, "plate box outside pixel buffer"
	}
	img, err := m.deps.Cropper.Crop(frame.Pixels, box)
	frame = nil // not held across the recognition call
	if err != nil {
		m.deps.Metrics.CropFailures.Add(1)
		return types.RecognitionResult{}, &best, fmt.Sprintf("crop: %v", err)
	}

	start := time.Now()
	res, err := m.deps.Recognizer.Recognize(ctx, img)
	metrics.ObserveLatency(&m.deps.Metrics.RecognitionLatencyMs, time.Since(start))
	if err != nil {
		if ctx.Err() == nil {
			m.deps.Metrics.RecognitionErrs.Add(1)
		}
		return types.RecognitionResult{}, &best, fmt.Sprintf("recognition: %v", err)
	}
	if res.Status == types.RecognitionTimeout {
		m.deps.Metrics.RecognitionTimeouts.Add(1)
	}
	m.mustOwn(token)
	return res, &best, ""
}

func (m *Machine) complete(token string, outcome types.Outcome, res types.RecognitionResult, cand *types.PlateCandidate, reason string) {
	m.mustOwn(token)

	if outcome == types.OutcomeSuccess {
		m.deps.Metrics.Successes.Add(1)
		m.log.Info("Attempt %s: plate %q", token, res.Plate())
	} else {
		m.deps.Metrics.Failures.Add(1)
		if reason == "" {
			reason = "empty recognition (" + res.Status.String() + ")"
		}
		m.log.Info("Attempt %s failed: %s", token, reason)
	}

	result := res
	m.publish(func(s *types.SessionStatus) {
		s.State = types.StateCompleted
		s.Outcome = outcome
		s.LastResult = &result
		s.LastFeedback = outcome
		s.Countdown = 0
		if outcome == types.OutcomeSuccess {
			s.ConsecutiveFailures = 0
		} else {
			s.ConsecutiveFailures++
		}
	})

	m.deps.Feedback.Signal(outcome)

	if outcome == types.OutcomeSuccess && m.deps.OnComplete != nil {
		p := types.ProcessedPlate{
			AttemptID:   token,
			Plate:       res.Plate(),
			EventType:   m.deps.Event.EventType,
			LotID:       m.deps.Event.ParkingLotID,
			CompletedAt: time.Now(),
		}
		if res.RawConfidence != nil {
			p.Confidence = *res.RawConfidence
		}
		if cand != nil {
			p.Source = cand.Source.String()
		}
		m.deps.OnComplete(p)
	}
}

// acquire takes the single-flight lock for a new attempt. Only the loop
// goroutine starts attempts, so finding the lock held is a contract
// violation.
func (m *Machine) acquire() string {
	token := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != "" {
		panic(fmt.Sprintf("session: attempt %s started while %s is active", token, m.attempt))
	}
	m.attempt = token
	return token
}

func (m *Machine) release(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != token {
		panic(fmt.Sprintf("session: attempt %s released lock held by %q", token, m.attempt))
	}
	m.attempt = ""
}

func (m *Machine) mustOwn(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != token {
		panic(fmt.Sprintf("session: attempt %s acting without the lock (held by %q)", token, m.attempt))
	}
}

// publish applies mutate to the status and delivers the new snapshot.
func (m *Machine) publish(mutate func(*types.SessionStatus)) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	mutate(&m.status)
	m.status.Version++
	m.status.UpdatedAt = time.Now()
	snap := m.status
	m.mu.Unlock()

	m.deps.Metrics.State.Store(uint64(snap.State))
	m.deps.Metrics.Countdown.Store(uint64(snap.Countdown))

	if m.deps.OnStatus != nil {
		m.deps.OnStatus(snap)
	}
}

// resetSession clears everything scoped to one vehicle. Cumulative fields
// and the last result shown to the customer are kept.
func resetSession(s *types.SessionStatus) {
	s.State = types.StateIdle
	s.Outcome = types.OutcomeNone
	s.Countdown = 0
	s.AttemptID = ""
	s.Vehicle = nil
	s.Candidate = nil
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
