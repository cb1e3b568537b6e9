package kiosk

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/feedback"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

func newCoordinator(t *testing.T, reader badge.Reader) (*Coordinator, *timeutil.MockClock, chan struct{}) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC))
	clock.SetAutoAdvance(true)
	quit := make(chan struct{})
	c := &Coordinator{
		Log:     logs.NewTestingLog(t),
		Clock:   clock,
		Reader:  reader,
		Display: feedback.NewDisplay(),
		Quit:    quit,
		// Cheap frames keep the spinning render loop fast.
		Render: func(time.Time, int) image.Image { return image.NewGray(image.Rect(0, 0, 1, 1)) },
	}
	return c, clock, quit
}

func TestAwaitBadge_BadgeWins(t *testing.T) {
	reader := newFakeReader()
	c, _, _ := newCoordinator(t, reader)

	go func() {
		// Let the waiting screen run for a few frames first.
		for {
			if _, n := c.Display.Latest(); n >= 3 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		reader.taps <- badge.Read{BadgeID: "X1", Text: "John,CS,2024"}
	}()

	read, err := c.AwaitBadge(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "X1", read.BadgeID)
	require.Equal(t, "John,CS,2024", read.Text)
	require.Zero(t, reader.active.Load(), "poller still inside Read")
}

func TestAwaitBadge_OnlyOneBadgePerCall(t *testing.T) {
	reader := newFakeReader(
		badge.Read{BadgeID: "X1", Text: "a,b,c"},
		badge.Read{BadgeID: "X2", Text: "d,e,f"},
	)
	c, _, _ := newCoordinator(t, reader)

	read, err := c.AwaitBadge(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "X1", read.BadgeID)
	require.Len(t, reader.taps, 1, "second tap must stay with the reader")

	read, err = c.AwaitBadge(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "X2", read.BadgeID)
}

func TestAwaitBadge_OperatorQuit(t *testing.T) {
	reader := newFakeReader()
	c, _, quit := newCoordinator(t, reader)
	close(quit)

	_, err := c.AwaitBadge(context.Background(), 0)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, feedback.ErrQuit)
	require.Zero(t, reader.active.Load())
}

func TestAwaitBadge_ContextCancelled(t *testing.T) {
	reader := newFakeReader()
	c, _, _ := newCoordinator(t, reader)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for reader.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := c.AwaitBadge(ctx, 0)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitBadge_Timeout(t *testing.T) {
	reader := newFakeReader()
	c, clock, _ := newCoordinator(t, reader)
	start := clock.Now()

	_, err := c.AwaitBadge(context.Background(), 2*time.Second)
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.GreaterOrEqual(t, clock.Since(start), 2*time.Second)
	_, frames := c.Display.Latest()
	require.EqualValues(t, 2*time.Second/DefaultRenderTick, frames)
}

func TestAwaitBadge_RetriesFailedReads(t *testing.T) {
	reader := newFakeReader(badge.Read{BadgeID: "X7", Text: "a,b,c"})
	reader.errs = []error{
		errors.New("crc mismatch"),
		badge.ErrReadTimeout,
		errors.New("crc mismatch"),
	}
	c, clock, _ := newCoordinator(t, reader)
	c.RetryDelay = 250 * time.Millisecond

	read, err := c.AwaitBadge(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "X7", read.BadgeID)
	require.EqualValues(t, 4, reader.calls.Load())

	retries := 0
	for _, d := range clock.Sleeps() {
		if d == 250*time.Millisecond {
			retries++
		}
	}
	require.Equal(t, 2, retries, "timeouts retry without a pause, other errors pause")
}

// stuckReader ignores cancellation, like a driver wedged in a syscall.
type stuckReader struct{ release chan struct{} }

func (r stuckReader) Read(context.Context, time.Duration) (badge.Read, error) {
	<-r.release
	return badge.Read{}, badge.ErrReaderClosed
}

func TestAwaitBadge_BoundedJoin(t *testing.T) {
	reader := stuckReader{release: make(chan struct{})}
	defer close(reader.release)
	c, _, quit := newCoordinator(t, reader)
	c.JoinTimeout = 20 * time.Millisecond
	close(quit)

	start := time.Now()
	_, err := c.AwaitBadge(context.Background(), 0)
	require.ErrorIs(t, err, ErrCancelled)
	require.Less(t, time.Since(start), 2*time.Second)
}
