package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExportsCounters(t *testing.T) {
	m := New()
	m.Attempts.Add(3)
	m.Failures.Add(1)
	m.State.Store(2)
	ObserveLatency(&m.RecognitionLatencyMs, 250*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "kiosk_attempts_total 3")
	assert.Contains(t, text, "kiosk_failures_total 1")
	assert.Contains(t, text, "kiosk_session_state 2")
	assert.Contains(t, text, "kiosk_recognition_latency_ms 250")
}
