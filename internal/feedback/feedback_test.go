package feedback

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platepay/kiosk-detector/pkg/types"
)

type recordingPlayer struct {
	mu      sync.Mutex
	playing string
	started []string
	err     error
}

func (p *recordingPlayer) Play(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, path)
	p.playing = path
	return p.err
}

func (p *recordingPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = ""
}

func TestSignalPlaysMatchingCue(t *testing.T) {
	p := &recordingPlayer{}
	s := NewSignaler(p, "good.mp3", "notgood.mp3", nil)

	s.Signal(types.OutcomeSuccess)
	s.Signal(types.OutcomeFailure)
	s.Signal(types.OutcomeFailure)

	assert.Equal(t, []string{"good.mp3", "notgood.mp3", "notgood.mp3"}, p.started)
	assert.Equal(t, types.OutcomeFailure, s.Status().Outcome)
}

func TestClearResetsVisualAndStopsAudio(t *testing.T) {
	p := &recordingPlayer{}
	s := NewSignaler(p, "good.mp3", "notgood.mp3", nil)

	s.Signal(types.OutcomeSuccess)
	require.Equal(t, "good.mp3", p.playing)

	s.Clear()
	assert.Equal(t, "", p.playing)
	assert.Equal(t, types.OutcomeNone, s.Status().Outcome)
	assert.True(t, s.Status().Since.IsZero())
}

func TestPlaybackErrorStillUpdatesStatus(t *testing.T) {
	s := NewSignaler(&recordingPlayer{err: errors.New("no device")}, "a", "b", nil)
	s.Signal(types.OutcomeFailure)
	assert.Equal(t, types.OutcomeFailure, s.Status().Outcome)
}

func TestExecPlayerRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecPlayer("   ")
	assert.Error(t, err)
}

func TestExecPlayerRestartsPlayback(t *testing.T) {
	p, err := NewExecPlayer("sleep")
	require.NoError(t, err)

	require.NoError(t, p.Play("5"))
	p.mu.Lock()
	first := p.cur
	p.mu.Unlock()
	require.NotNil(t, first)

	require.NoError(t, p.Play("5"))
	p.mu.Lock()
	second := p.cur
	p.mu.Unlock()
	assert.NotSame(t, first, second)

	p.Stop()
	p.mu.Lock()
	assert.Nil(t, p.cur)
	p.mu.Unlock()
}
