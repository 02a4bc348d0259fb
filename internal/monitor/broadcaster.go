package monitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// SerializedEvent holds one status snapshot pre-serialized in both formats,
// so fanout to many clients encodes it once.
type SerializedEvent struct {
	Version      uint64
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
}

// StatusBroadcaster fans session snapshots out to SSE and websocket clients.
type StatusBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	last    *SerializedEvent
	stop    chan struct{}
	stopped bool

	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Scoped
}

// NewStatusBroadcaster creates a broadcaster. m may be nil.
func NewStatusBroadcaster(interval time.Duration, m *metrics.Metrics, log *logger.Scoped) *StatusBroadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		stop:     make(chan struct{}),
		interval: interval,
		metrics:  m,
		log:      log,
	}
}

// Subscribe adds a client. The latest snapshot, if any, is queued at once.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 8)
	if sb.stopped {
		close(ch)
		return id, ch
	}
	if sb.last != nil {
		ch <- sb.last
	}
	sb.clients[id] = ch
	sb.metrics.StreamClients.Add(1)

	sb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client. Unknown ids are ignored.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		sb.metrics.StreamClients.Add(-1)
		sb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Clients returns the number of subscribers.
func (sb *StatusBroadcaster) Clients() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.clients)
}

// Latest returns the most recent event, or nil before the first Publish.
func (sb *StatusBroadcaster) Latest() *SerializedEvent {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.last
}

// Publish serializes status and sends it to every client. Snapshots older
// than the latest one are dropped.
func (sb *StatusBroadcaster) Publish(status types.SessionStatus) {
	event, err := encodeStatus(status)
	if err != nil {
		sb.log.Error("Failed to encode status: %v", err)
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.last != nil && event.Version < sb.last.Version {
		return
	}
	sb.last = event
	sb.broadcastLocked(event)
}

// Start begins the periodic resync loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and closes every client channel, which ends the
// streaming handlers.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.stopped {
		return
	}
	close(sb.stop)
	sb.stopped = true
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
		sb.metrics.StreamClients.Add(-1)
	}
}

func (sb *StatusBroadcaster) run() {
	if sb.interval <= 0 {
		return
	}
	sb.log.Info("Starting status broadcaster (resync=%v)", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			sb.mu.Lock()
			if sb.last != nil && len(sb.clients) > 0 {
				sb.broadcastLocked(sb.last)
			}
			sb.mu.Unlock()
		}
	}
}

func (sb *StatusBroadcaster) broadcastLocked(event *SerializedEvent) {
	for id, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow; the next resync catches it up.
			sb.log.Debug("Client #%d lagging, skipped version %d", id, event.Version)
		}
	}
}

// encodeStatus renders status as JSON and as a base64 structpb.Struct
// carrying the same fields.
func encodeStatus(status types.SessionStatus) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json fields: %w", err)
	}
	pbStatus, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStatus)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		Version:      status.Version,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
