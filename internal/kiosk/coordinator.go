// Package kiosk runs attendance sessions: it waits for a badge, checks the
// daily gate, runs the detection window and records the outcome.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/feedback"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// Coordinator defaults.
const (
	DefaultRenderTick  = 50 * time.Millisecond
	DefaultReadTimeout = 500 * time.Millisecond
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultJoinTimeout = time.Second
)

// Coordinator keeps the waiting screen alive while a background poller reads
// the badge reader. At most one badge is delivered per AwaitBadge call.
type Coordinator struct {
	Log     logs.Log
	Clock   timeutil.Clock
	Reader  badge.Reader
	Display *feedback.Display
	// Quit, if set, cancels the wait when closed.
	Quit <-chan struct{}

	Tick        time.Duration
	ReadTimeout time.Duration
	RetryDelay  time.Duration
	// JoinTimeout bounds the wait for the poller after the race is decided.
	// It is measured in wall time.
	JoinTimeout time.Duration

	// Render draws one waiting frame. Defaults to feedback.WaitingScreen.
	Render func(now time.Time, tick int) image.Image
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// AwaitBadge renders waiting frames until a badge is read, ctx is done, Quit
// is closed or timeout elapses. A zero timeout waits forever. A frame being
// rendered when the badge arrives is finished before returning.
func (c *Coordinator) AwaitBadge(ctx context.Context, timeout time.Duration) (badge.Read, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	got := make(chan badge.Read, 1)
	done := make(chan struct{})
	var stop atomic.Bool
	go c.poll(pctx, &stop, got, done)

	read, err := c.renderUntil(ctx, timeout, got)

	stop.Store(true)
	cancel()
	c.join(done)

	if errors.Is(err, ErrWaitTimeout) {
		// The poller may have won while we were deciding.
		select {
		case read = <-got:
			return read, nil
		default:
		}
	}
	return read, err
}

func (c *Coordinator) renderUntil(ctx context.Context, timeout time.Duration, got <-chan badge.Read) (badge.Read, error) {
	render := c.Render
	if render == nil {
		render = func(now time.Time, tick int) image.Image { return feedback.WaitingScreen(now, tick) }
	}
	start := c.Clock.Now()
	for tick := 0; ; tick++ {
		select {
		case read := <-got:
			return read, nil
		default:
		}
		select {
		case <-ctx.Done():
			return badge.Read{}, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		case <-c.Quit:
			return badge.Read{}, fmt.Errorf("%w: %w", ErrCancelled, feedback.ErrQuit)
		default:
		}
		if timeout > 0 && c.Clock.Since(start) >= timeout {
			return badge.Read{}, ErrWaitTimeout
		}
		if c.Display != nil {
			c.Display.Show(render(c.Clock.Now(), tick))
		}
		c.Clock.Sleep(orDefault(c.Tick, DefaultRenderTick))
	}
}

// poll reads until a badge arrives or stop is set. It hands over at most one
// read and never blocks on the handoff.
func (c *Coordinator) poll(ctx context.Context, stop *atomic.Bool, got chan<- badge.Read, done chan<- struct{}) {
	defer close(done)
	var lastErrAt time.Time
	for !stop.Load() {
		read, err := c.Reader.Read(ctx, orDefault(c.ReadTimeout, DefaultReadTimeout))
		if err == nil {
			if stop.Load() {
				c.Log.Infof("Badge %v read after wait ended, dropping", read.BadgeID)
				return
			}
			select {
			case got <- read:
			default:
			}
			return
		}
		if stop.Load() || ctx.Err() != nil {
			return
		}
		if errors.Is(err, badge.ErrReadTimeout) {
			continue
		}
		if now := c.Clock.Now(); now.Sub(lastErrAt) > 15*time.Second {
			c.Log.Warnf("Badge read failed, retrying: %v", err)
			lastErrAt = now
		}
		c.Clock.Sleep(orDefault(c.RetryDelay, DefaultRetryDelay))
	}
}

func (c *Coordinator) join(done <-chan struct{}) {
	timer := time.NewTimer(orDefault(c.JoinTimeout, DefaultJoinTimeout))
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.Log.Warnf("Badge poller did not stop within %v, leaving it behind", orDefault(c.JoinTimeout, DefaultJoinTimeout))
	}
}
