package kiosk

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/config"
	"github.com/banshee-data/attendance.kiosk/internal/detect"
	"github.com/banshee-data/attendance.kiosk/internal/feedback"
	"github.com/banshee-data/attendance.kiosk/internal/fsutil"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// fakeReader hands out queued errors, then queued taps, then blocks until
// ctx ends.
type fakeReader struct {
	mu     sync.Mutex
	errs   []error
	taps   chan badge.Read
	calls  atomic.Int32
	active atomic.Int32
}

func newFakeReader(taps ...badge.Read) *fakeReader {
	r := &fakeReader{taps: make(chan badge.Read, 32)}
	for _, tap := range taps {
		r.taps <- tap
	}
	return r
}

func (r *fakeReader) Read(ctx context.Context, timeout time.Duration) (badge.Read, error) {
	r.calls.Add(1)
	r.active.Add(1)
	defer r.active.Add(-1)
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return badge.Read{}, err
	}
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return badge.Read{}, ctx.Err()
	case tap := <-r.taps:
		return tap, nil
	}
}

type fakeCamera struct{}

func (fakeCamera) Grab(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

// scriptedDetector returns frames[i % len(frames)] on call i. onCall, if
// set, runs first with the call number.
type scriptedDetector struct {
	frames [][]detect.Sample
	onCall func(n int)
	calls  int
}

func (d *scriptedDetector) Infer(ctx context.Context, frame image.Image, threshold float64) ([]detect.Sample, error) {
	n := d.calls
	d.calls++
	if d.onCall != nil {
		d.onCall(n)
	}
	if len(d.frames) == 0 {
		return nil, nil
	}
	return d.frames[n%len(d.frames)], nil
}

func sample(class string, conf float64) detect.Sample {
	return detect.Sample{Class: class, Confidence: conf, Box: detect.Box{X: 4, Y: 4, Width: 10, Height: 10}}
}

// countingStore counts every call into the wrapped store.
type countingStore struct {
	attendance.Store
	appends    atomic.Int32
	queries    atomic.Int32
	appendErr  error
	queryError error
}

func (s *countingStore) Append(ctx context.Context, r attendance.Record) error {
	s.appends.Add(1)
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.Append(ctx, r)
}

func (s *countingStore) QueryAll(ctx context.Context) ([]attendance.Record, error) {
	s.queries.Add(1)
	if s.queryError != nil {
		return nil, s.queryError
	}
	return s.Store.QueryAll(ctx)
}

func (s *countingStore) QueryByBadge(ctx context.Context, id string) ([]attendance.Record, error) {
	s.queries.Add(1)
	if s.queryError != nil {
		return nil, s.queryError
	}
	return s.Store.QueryByBadge(ctx, id)
}

func (s *countingStore) calls() int {
	return int(s.appends.Load() + s.queries.Load())
}

// fakePlayer records clips. A clip named in block plays until Stop or ctx;
// onPlay, if set, runs once the clip has started.
type fakePlayer struct {
	mu     sync.Mutex
	played []string
	block  string
	stop   chan struct{}
	onPlay func(clip string)
}

func (p *fakePlayer) Play(ctx context.Context, clip string, max time.Duration) error {
	name := filepath.Base(clip)
	p.mu.Lock()
	p.played = append(p.played, name)
	var stop chan struct{}
	if name == p.block {
		stop = make(chan struct{})
		p.stop = stop
	}
	p.mu.Unlock()
	if p.onPlay != nil {
		p.onPlay(name)
	}
	if stop == nil {
		return nil
	}
	select {
	case <-stop:
		return feedback.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *fakePlayer) clips() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type fakeServo struct {
	angles []int
	err    error
}

func (s *fakeServo) SetAngle(a int) error {
	s.angles = append(s.angles, a)
	return s.err
}

type rig struct {
	clock    *timeutil.MockClock
	reader   *fakeReader
	detector *scriptedDetector
	store    *countingStore
	player   *fakePlayer
	servo    *fakeServo
	quit     chan struct{}
	skip     chan struct{}
	orch     *Orchestrator
}

func testConfig() *config.KioskConfig {
	cfg := config.DefaultKioskConfig()
	cfg.RequiredObjects = []string{"A", "B", "C"}
	one := 1.0
	cfg.DetectionWindowSeconds = &one
	pacing := "100ms"
	cfg.FramePacing = &pacing
	return cfg
}

func newRig(t *testing.T, taps ...badge.Read) *rig {
	t.Helper()
	log := logs.NewTestingLog(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local))
	clock.SetAutoAdvance(true)

	mediaDir := t.TempDir()
	for _, name := range []string{"no_card.mp4", "all_attributes.mp4", "violation.mp4", "already_tapped.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(mediaDir, name), []byte("clip"), 0644))
	}

	js, err := attendance.NewJSONStore(fsutil.NewMemoryFileSystem(), "presensi.json", time.Local)
	require.NoError(t, err)

	r := &rig{
		clock:    clock,
		reader:   newFakeReader(taps...),
		detector: &scriptedDetector{},
		store:    &countingStore{Store: js},
		player:   &fakePlayer{},
		servo:    &fakeServo{},
		quit:     make(chan struct{}),
		skip:     make(chan struct{}, 1),
	}
	display := feedback.NewDisplay()
	r.orch = &Orchestrator{
		Log:    log,
		Clock:  clock,
		Config: config.StaticWatcher(testConfig()),
		Coordinator: &Coordinator{
			Log:     log,
			Clock:   clock,
			Reader:  r.reader,
			Display: display,
			Quit:    r.quit,
		},
		Store:    r.store,
		Camera:   fakeCamera{},
		Detector: r.detector,
		Presenter: &feedback.Presenter{
			Log:      log,
			Clock:    clock,
			Display:  display,
			Player:   r.player,
			MediaDir: mediaDir,
			Quit:     r.quit,
			Skip:     r.skip,
		},
		Servo: r.servo,
		Quit:  r.quit,
		Skip:  r.skip,
	}
	return r
}

func (r *rig) records(t *testing.T) []attendance.Record {
	t.Helper()
	all, err := r.store.Store.QueryAll(context.Background())
	require.NoError(t, err)
	return all
}
