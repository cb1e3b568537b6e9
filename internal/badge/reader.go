package badge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/serialmux"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
	"github.com/cyclopcam/logs"
)

// ErrReadTimeout is returned when no badge was presented within the
// attempt's timeout.
var ErrReadTimeout = errors.New("badge read timed out")

// ErrReaderClosed is returned once the underlying device has gone away.
var ErrReaderClosed = errors.New("badge reader closed")

// Reader is a source of badge taps. Read blocks for at most timeout.
type Reader interface {
	Read(ctx context.Context, timeout time.Duration) (Read, error)
}

// DefaultStaleAfter is how old a buffered tap may be before Read discards it.
// Taps made while the kiosk is busy with another session are dropped, as a
// card reader that is not being polled would drop them.
const DefaultStaleAfter = 2 * time.Second

// SerialReader turns "<badge_id>|<text>" lines from the bridge into Reads.
type SerialReader struct {
	Log        logs.Log
	Clock      timeutil.Clock
	StaleAfter time.Duration

	mux   serialmux.SerialMuxInterface
	subID string
	taps  chan Read
	done  chan struct{}
}

// NewSerialReader subscribes to mux. Call Close to unsubscribe.
func NewSerialReader(log logs.Log, clock timeutil.Clock, mux serialmux.SerialMuxInterface) *SerialReader {
	r := &SerialReader{
		Log:        log,
		Clock:      clock,
		StaleAfter: DefaultStaleAfter,
		mux:        mux,
		taps:       make(chan Read, 8),
		done:       make(chan struct{}),
	}
	id, lines := mux.Subscribe()
	r.subID = id
	go r.pump(lines)
	return r
}

func (r *SerialReader) pump(lines chan string) {
	defer close(r.done)
	for line := range lines {
		switch serialmux.ClassifyLine(line) {
		case serialmux.LineTap:
		case serialmux.LineComment:
			r.Log.Debugf("Badge bridge: %v", strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		default:
			continue
		}
		id, text, _ := strings.Cut(line, "|")
		read := Read{BadgeID: strings.TrimSpace(id), Text: text, At: r.Clock.Now()}
		select {
		case r.taps <- read:
		default:
			r.Log.Warnf("Badge tap buffer full, dropping tap from %v", read.BadgeID)
		}
	}
}

// Read waits for the next fresh tap.
func (r *SerialReader) Read(ctx context.Context, timeout time.Duration) (Read, error) {
	timer := r.Clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Read{}, ctx.Err()
		case <-timer.C():
			return Read{}, ErrReadTimeout
		case <-r.done:
			return Read{}, ErrReaderClosed
		case read := <-r.taps:
			if r.StaleAfter > 0 && r.Clock.Since(read.At) > r.StaleAfter {
				r.Log.Infof("Discarding stale tap from %v", read.BadgeID)
				continue
			}
			return read, nil
		}
	}
}

// Close unsubscribes from the bridge.
func (r *SerialReader) Close() {
	r.mux.Unsubscribe(r.subID)
	<-r.done
}
