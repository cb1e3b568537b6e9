package feedback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/banshee-data/attendance.kiosk/internal/security"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

var (
	// ErrQuit is returned when the operator asked to quit during feedback.
	ErrQuit = errors.New("operator quit")
	// ErrSkipped is returned when the operator skipped a clip or held screen.
	ErrSkipped = errors.New("skipped by operator")
)

// DefaultTick is the screen refresh interval of held screens.
const DefaultTick = 100 * time.Millisecond

// Presenter shows feedback on the display. It is used from the foreground
// goroutine only.
type Presenter struct {
	Log     logs.Log
	Clock   timeutil.Clock
	Display *Display
	Player  Player

	// MediaDir confines clip names.
	MediaDir string
	// Tick is how often held screens are redrawn and quit is checked.
	Tick time.Duration
	// Quit, if set, ends a clip or held screen early.
	Quit <-chan struct{}
	// Skip, if set, ends only the clip or held screen on display. A value
	// received from it is consumed.
	Skip <-chan struct{}
}

func (p *Presenter) tick() time.Duration {
	if p.Tick <= 0 {
		return DefaultTick
	}
	return p.Tick
}

func (p *Presenter) quitRequested() bool {
	select {
	case <-p.Quit:
		return true
	default:
		return false
	}
}

func (p *Presenter) skipRequested() bool {
	select {
	case <-p.Skip:
		return true
	default:
		return false
	}
}

// Hold redraws render(remaining) every tick for d. It returns early with
// ctx's error, ErrQuit or ErrSkipped.
func (p *Presenter) Hold(ctx context.Context, d time.Duration, render func(remaining time.Duration) image.Image) error {
	start := p.Clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.quitRequested() {
			return ErrQuit
		}
		if p.skipRequested() {
			return ErrSkipped
		}
		remaining := d - p.Clock.Since(start)
		if remaining <= 0 {
			return nil
		}
		p.Display.Show(render(remaining))
		p.Clock.Sleep(min(p.tick(), remaining))
	}
}

// Clip plays the clip name for at most max. When the clip is missing or the
// player fails, the fallback screen for kind is held for max instead and the
// cause is returned wrapped; the caller treats that as degraded, not fatal.
func (p *Presenter) Clip(ctx context.Context, kind, name string, max time.Duration) error {
	return p.ClipWith(ctx, kind, name, max, func(remaining time.Duration) image.Image {
		return FallbackScreen(kind, remaining)
	})
}

// ClipWith is Clip with a caller supplied fallback screen.
func (p *Presenter) ClipWith(ctx context.Context, kind, name string, max time.Duration, fallback func(remaining time.Duration) image.Image) error {
	path, err := security.ResolveMediaPath(p.MediaDir, name)
	if err == nil && p.Player != nil {
		err = p.play(ctx, path, max)
		if err == nil || errors.Is(err, ErrQuit) || errors.Is(err, ErrSkipped) || ctx.Err() != nil {
			return err
		}
	} else if err == nil {
		err = errors.New("no media player")
	}

	cause := fmt.Errorf("clip %s (%s): %w", kind, name, err)
	p.Log.Warnf("Showing fallback screen: %v", cause)
	if herr := p.Hold(ctx, max, fallback); herr != nil {
		return herr
	}
	return cause
}

func (p *Presenter) play(ctx context.Context, path string, max time.Duration) error {
	if p.quitRequested() {
		return ErrQuit
	}
	if p.skipRequested() {
		return ErrSkipped
	}
	var (
		skipped atomic.Bool
		wg      sync.WaitGroup
	)
	done := make(chan struct{})
	if p.Quit != nil || p.Skip != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-p.Quit:
				p.Player.Stop()
			case <-p.Skip:
				skipped.Store(true)
				p.Player.Stop()
			case <-done:
			}
		}()
	}
	err := p.Player.Play(ctx, path, max)
	close(done)
	wg.Wait()
	if errors.Is(err, ErrStopped) {
		if p.quitRequested() {
			return ErrQuit
		}
		if skipped.Load() {
			return ErrSkipped
		}
	}
	return err
}

// Prompt starts the clip name in the background, for example the waiting
// prompt, and returns a function that stops it and waits for the player to
// return. A missing clip or player is logged and the prompt is skipped.
func (p *Presenter) Prompt(ctx context.Context, name string, max time.Duration) (stop func()) {
	path, err := security.ResolveMediaPath(p.MediaDir, name)
	if err != nil || p.Player == nil {
		if err == nil {
			err = errors.New("no media player")
		}
		p.Log.Debugf("Skipping prompt %v: %v", name, err)
		return func() {}
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Player.Play(pctx, path, max); err != nil && !errors.Is(err, ErrStopped) && pctx.Err() == nil {
			p.Log.Warnf("Prompt %v failed: %v", name, err)
		}
	}()
	return func() {
		p.Player.Stop()
		cancel()
		<-done
	}
}
