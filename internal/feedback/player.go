package feedback

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Player plays one audio file at a time.
type Player interface {
	// Play stops whatever is playing and starts path from the beginning.
	// It returns once playback has started.
	Play(path string) error
	// Stop ends playback, if any.
	Stop()
}

// ExecPlayer plays cues by running an external command line such as
// "mpg123 -q" or "aplay", with the file appended as the last argument.
type ExecPlayer struct {
	mu   sync.Mutex
	argv []string
	cur  *exec.Cmd
}

// NewExecPlayer parses the command line.
func NewExecPlayer(command string) (*ExecPlayer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("feedback: empty player command")
	}
	return &ExecPlayer{argv: argv}, nil
}

// Play implements Player.
func (p *ExecPlayer) Play(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	args := append(append([]string{}, p.argv[1:]...), path)
	cmd := exec.Command(p.argv[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.argv[0], err)
	}
	p.cur = cmd

	go func() {
		cmd.Wait()
		p.mu.Lock()
		if p.cur == cmd {
			p.cur = nil
		}
		p.mu.Unlock()
	}()
	return nil
}

// Stop implements Player.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *ExecPlayer) stopLocked() {
	if p.cur != nil && p.cur.Process != nil {
		p.cur.Process.Kill()
	}
	p.cur = nil
}

// NopPlayer discards every cue. It is used when no audio device exists.
type NopPlayer struct{}

func (NopPlayer) Play(string) error { return nil }
func (NopPlayer) Stop()             {}
