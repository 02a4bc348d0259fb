// Package feedback plays the success and failure cues and holds the visual
// status shown to the customer.
package feedback

import (
	"sync"
	"time"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Visual is the status the presentation layer renders.
type Visual struct {
	Outcome types.Outcome `json:"outcome"`
	Since   time.Time     `json:"since"`
}

// Signaler plays exactly one cue per Signal call. Repeated calls never
// overlap: the previous cue is stopped and the new one starts from zero.
type Signaler struct {
	mu      sync.Mutex
	player  Player
	success string
	failure string
	visual  Visual
	log     *logger.Scoped
}

// NewSignaler creates a signaler with the two cue files.
func NewSignaler(player Player, successCue, failureCue string, log *logger.Scoped) *Signaler {
	if player == nil {
		player = NopPlayer{}
	}
	return &Signaler{
		player:  player,
		success: successCue,
		failure: failureCue,
		log:     log,
	}
}

// Signal shows outcome and plays its cue. Playback errors are logged only.
func (s *Signaler) Signal(outcome types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visual = Visual{Outcome: outcome, Since: time.Now()}

	cue := s.failure
	if outcome == types.OutcomeSuccess {
		cue = s.success
	}
	if err := s.player.Play(cue); err != nil {
		s.log.Warn("Play %s cue: %v", outcome, err)
	}
}

// Clear hides the visual status and stops any playing cue.
func (s *Signaler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visual = Visual{}
	s.player.Stop()
}

// Status returns the current visual status.
func (s *Signaler) Status() Visual {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visual
}
