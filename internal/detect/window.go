package detect

import (
	"context"
	"image"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
	"github.com/cyclopcam/logs"
)

// WindowParams configures one detection window.
type WindowParams struct {
	Duration      time.Duration
	Required      []string
	MinConfidence float64
	// Threshold is passed to the detector as its reporting gate.
	Threshold float64
}

// FrameView is what the window shows the operator after each tick.
type FrameView struct {
	Frame     image.Image
	Samples   []Sample
	Remaining time.Duration
	Elapsed   time.Duration
	Duration  time.Duration
	Agg       *Aggregator
}

// Window drives the camera and detector for a fixed time span.
type Window struct {
	Log      logs.Log
	Clock    timeutil.Clock
	Camera   FrameSource
	Detector Detector

	// Pacing is the minimum time between ticks.
	Pacing time.Duration

	// OnFrame, if set, is called after every successful tick. Returning
	// false ends the window early (operator skip or quit).
	OnFrame func(FrameView) bool

	lastErrAt time.Time
}

// Run resets the aggregator and folds detector output until Duration has
// elapsed. A frame or inference failure skips that tick. Cancelling ctx ends
// the window early with the verdict so far and ctx's error.
func (w *Window) Run(ctx context.Context, p WindowParams) (Verdict, error) {
	agg := NewAggregator(p.Required, p.MinConfidence)
	frames, skipped := 0, 0
	start := w.Clock.Now()

	finish := func(err error) (Verdict, error) {
		v := agg.Verdict()
		v.Frames = frames
		v.SkippedFrames = skipped
		return v, err
	}

	for {
		elapsed := w.Clock.Since(start)
		if elapsed >= p.Duration {
			return finish(nil)
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		tickStart := w.Clock.Now()

		frame, err := w.Camera.Grab(ctx)
		if err != nil {
			skipped++
			w.logTickError("Camera grab failed: %v", err)
			w.pace(tickStart)
			continue
		}
		samples, err := w.Detector.Infer(ctx, frame, p.Threshold)
		if err != nil {
			skipped++
			w.logTickError("Detector failed: %v", err)
			w.pace(tickStart)
			continue
		}
		frames++
		agg.Fold(samples)

		if w.OnFrame != nil {
			elapsed = w.Clock.Since(start)
			view := FrameView{
				Frame:     frame,
				Samples:   samples,
				Elapsed:   elapsed,
				Remaining: max(p.Duration-elapsed, 0),
				Duration:  p.Duration,
				Agg:       agg,
			}
			if !w.OnFrame(view) {
				return finish(ErrWindowAborted)
			}
		}
		w.pace(tickStart)
	}
}

func (w *Window) pace(tickStart time.Time) {
	pacing := w.Pacing
	if pacing <= 0 {
		pacing = time.Millisecond
	}
	if rest := pacing - w.Clock.Since(tickStart); rest > 0 {
		w.Clock.Sleep(rest)
	}
}

// logTickError logs at most once every 15 seconds so a dead camera does not
// flood the log.
func (w *Window) logTickError(format string, err error) {
	if now := w.Clock.Now(); now.Sub(w.lastErrAt) > 15*time.Second {
		w.Log.Warnf(format, err)
		w.lastErrAt = now
	}
}
