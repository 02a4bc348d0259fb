package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline counters. Fields are updated lock-free by the
// session goroutine and read by Prometheus on scrape.
type Metrics struct {
	// Polling
	Polls           atomic.Uint64
	FramesCaptured  atomic.Uint64
	CaptureFailures atomic.Uint64
	VehiclesSeen    atomic.Uint64
	DetectorErrors  atomic.Uint64

	// Attempts
	Attempts            atomic.Uint64
	Successes           atomic.Uint64
	Failures            atomic.Uint64
	RejectedTriggers    atomic.Uint64
	EstimatedPlates     atomic.Uint64
	PlateServiceErrs    atomic.Uint64
	CropFailures        atomic.Uint64
	RecognitionErrs     atomic.Uint64
	RecognitionTimeouts atomic.Uint64

	// Latency of the most recent call
	PlateLatencyMs       atomic.Uint64
	RecognitionLatencyMs atomic.Uint64
	AttemptLatencyMs     atomic.Uint64

	// Session
	State     atomic.Uint64 // types.SessionState
	Countdown atomic.Uint64

	// Presentation clients
	StreamClients atomic.Int64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, load func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "kiosk", Name: name, Help: help},
		load,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: "kiosk", Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("polls_total", "Presence polls executed", &m.Polls)
	m.counter("frames_captured_total", "Frames captured from the camera", &m.FramesCaptured)
	m.counter("capture_failures_total", "Polls or attempts with no frame available", &m.CaptureFailures)
	m.counter("vehicles_detected_total", "Polls that found a qualifying vehicle", &m.VehiclesSeen)
	m.counter("detector_errors_total", "Object detector failures", &m.DetectorErrors)

	m.counter("attempts_total", "Processing attempts started", &m.Attempts)
	m.counter("successes_total", "Attempts that produced a plate", &m.Successes)
	m.counter("failures_total", "Attempts routed to the failure path", &m.Failures)
	m.counter("rejected_triggers_total", "Triggers rejected because an attempt was already active", &m.RejectedTriggers)
	m.counter("estimated_plates_total", "Attempts that fell back to an estimated plate box", &m.EstimatedPlates)
	m.counter("plate_service_errors_total", "Plate-detection service failures", &m.PlateServiceErrs)
	m.counter("crop_failures_total", "Plate crops rejected or failed to encode", &m.CropFailures)
	m.counter("recognition_errors_total", "Recognition transport failures", &m.RecognitionErrs)
	m.counter("recognition_timeouts_total", "Recognition requests that timed out", &m.RecognitionTimeouts)

	m.gauge("plate_latency_ms", "Latency of the last plate-detection call in milliseconds",
		func() float64 { return float64(m.PlateLatencyMs.Load()) })
	m.gauge("recognition_latency_ms", "Latency of the last recognition call in milliseconds",
		func() float64 { return float64(m.RecognitionLatencyMs.Load()) })
	m.gauge("attempt_latency_ms", "Duration of the last processing attempt in milliseconds",
		func() float64 { return float64(m.AttemptLatencyMs.Load()) })

	m.gauge("session_state", "Current session state (0=idle, 1=vehicle_detected, 2=processing, 3=completed)",
		func() float64 { return float64(m.State.Load()) })
	m.gauge("countdown_seconds", "Seconds remaining in the settle countdown",
		func() float64 { return float64(m.Countdown.Load()) })
	m.gauge("stream_clients", "Connected status stream clients",
		func() float64 { return float64(m.StreamClients.Load()) })
}

// ObserveLatency stores d in milliseconds into dst.
func ObserveLatency(dst *atomic.Uint64, d time.Duration) {
	dst.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own listener until it fails.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
