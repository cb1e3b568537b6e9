package feedback

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// ErrStopped is returned by Play when Stop cut the clip short.
var ErrStopped = errors.New("playback stopped")

// Player plays one media clip at a time.
type Player interface {
	// Play blocks until the clip ends, max elapses, Stop is called or ctx
	// is done. Reaching max is not an error.
	Play(ctx context.Context, clip string, max time.Duration) error
	// Stop ends the clip in progress, if any.
	Stop()
}

// CommandPlayer runs an external player such as mpv with the clip path as
// its last argument, and kills it at the deadline.
type CommandPlayer struct {
	Log     logs.Log
	Command []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewCommandPlayer returns a player for the given command line.
func NewCommandPlayer(log logs.Log, command []string) *CommandPlayer {
	return &CommandPlayer{Log: log, Command: command}
}

func (p *CommandPlayer) Play(ctx context.Context, clip string, max time.Duration) error {
	if len(p.Command) == 0 {
		return errors.New("no player command configured")
	}
	pctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	p.stopped = false
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	args := append(append([]string(nil), p.Command[1:]...), clip)
	cmd := exec.CommandContext(pctx, p.Command[0], args...)
	err := cmd.Run()

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		return nil
	case err != nil:
		return fmt.Errorf("%s %s: %w", p.Command[0], clip, err)
	}
	return nil
}

func (p *CommandPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.stopped = true
		p.cancel()
	}
}
