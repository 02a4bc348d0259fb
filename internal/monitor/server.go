// Package monitor serves the kiosk session status to the display and to
// operators: a JSON snapshot, SSE and websocket pushes, start/stop commands,
// the processed-plate log and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/platepay/kiosk-detector/internal/feedback"
	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Controller is the part of the session machine the server drives.
type Controller interface {
	Start(parent context.Context) bool
	Stop(ctx context.Context) error
	Running() bool
	Status() types.SessionStatus
}

// PlateLister reads the processed-plate log.
type PlateLister interface {
	Recent(ctx context.Context, limit int) ([]types.ProcessedPlate, error)
}

// FeedbackSource reports the visual cue currently shown to the customer.
type FeedbackSource interface {
	Status() feedback.Visual
}

// Deps are the collaborators of a Server. Plates, Feedback, Metrics and Log
// may be nil.
type Deps struct {
	Control     Controller
	Broadcaster *StatusBroadcaster
	Plates      PlateLister
	Feedback    FeedbackSource
	Metrics     *metrics.Metrics
	Log         *logger.Scoped
}

// Server serves the kiosk status endpoints.
type Server struct {
	cfg         Config
	base        context.Context
	control     Controller
	broadcaster *StatusBroadcaster
	plates      PlateLister
	feedback    FeedbackSource
	metrics     *metrics.Metrics
	log         *logger.Scoped
	upgrader    websocket.Upgrader
}

// NewServer returns a configured status server. The session loop started
// through POST /api/start lives as long as base.
func NewServer(base context.Context, cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster(cfg.ResyncInterval, deps.Metrics, deps.Log)
	}
	return &Server{
		cfg:         cfg,
		base:        base,
		control:     deps.Control,
		broadcaster: deps.Broadcaster,
		plates:      deps.Plates,
		feedback:    deps.Feedback,
		metrics:     deps.Metrics,
		log:         deps.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/plates", s.handlePlates)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"running": s.control.Running(),
		"clients": s.broadcaster.Clients(),
	})
}

// statusResponse is the session snapshot plus the cue on screen, if any.
type statusResponse struct {
	types.SessionStatus
	Feedback *feedback.Visual `json:"feedback,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{SessionStatus: s.control.Status()}
	if s.feedback != nil {
		if v := s.feedback.Status(); v.Outcome != types.OutcomeNone {
			resp.Feedback = &v
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	streamStatusEvents(r.Context(), w, eventCh, wantsProtobuf(r), s.cfg.KeepAlive, s.log)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	s.log.Debug("Websocket viewer connected from %s", r.RemoteAddr)
	pumpWebsocket(conn, eventCh, s.log)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started := s.control.Start(s.base)
	if started {
		s.log.Info("Session loop started via API")
	}
	writeJSON(w, map[string]any{
		"running":    true,
		"started":    started,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wasRunning := s.control.Running()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.control.Stop(ctx); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	if wasRunning {
		s.log.Info("Session loop stopped via API")
	}
	writeJSON(w, map[string]any{
		"running":    false,
		"stopped":    wasRunning,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handlePlates(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.PlateLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}

	plates := []types.ProcessedPlate{}
	if s.plates != nil {
		got, err := s.plates.Recent(r.Context(), limit)
		if err != nil {
			s.log.Error("Failed to read plate log: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "plate log unavailable"}, http.StatusInternalServerError)
			return
		}
		plates = got
	}
	writeJSON(w, map[string]any{"plates": plates, "count": len(plates)})
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
