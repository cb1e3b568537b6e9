package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"

	"github.com/banshee-data/attendance.kiosk/internal/actuator"
	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/config"
	"github.com/banshee-data/attendance.kiosk/internal/detect"
	"github.com/banshee-data/attendance.kiosk/internal/feedback"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// State is a step of the session state machine.
type State string

const (
	StateWaitingBadge     State = "WAITING_BADGE"
	StateBadgeRead        State = "BADGE_READ"
	StateDedupCheck       State = "DEDUP_CHECK"
	StateAlreadyCheckedIn State = "ALREADY_CHECKED_IN"
	StateDetecting        State = "DETECTING"
	StateResult           State = "RESULT"
	StatePersisted        State = "PERSISTED"
	StateShutDown         State = "SHUT_DOWN"
)

const historySize = 16

// Session is everything one pass through the state machine knows. It is
// owned by the foreground goroutine.
type Session struct {
	ID      string
	Number  int
	Config  *config.KioskConfig
	Started time.Time

	Read    badge.Read
	Payload badge.Payload
	Verdict *detect.Verdict
	Record  *attendance.Record

	state  State
	quit   bool
	errors []error
}

func (s *Session) fail(err error) {
	s.errors = append(s.errors, err)
}

// SessionOutcome summarises a finished session.
type SessionOutcome struct {
	ID       string            `json:"id"`
	Number   int               `json:"number"`
	BadgeID  string            `json:"badge_id,omitempty"`
	Name     string            `json:"name,omitempty"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Final    State             `json:"final_state"`
	Status   attendance.Status `json:"status,omitempty"`
	Verdict  *detect.Verdict   `json:"verdict,omitempty"`
	// Errors are the degraded steps of the session, in order.
	Errors    []error  `json:"-"`
	ErrorText []string `json:"errors,omitempty"`
}

// Orchestrator sequences badge wait, daily gate, detection window, feedback
// and persistence into repeated sessions.
type Orchestrator struct {
	Log         logs.Log
	Clock       timeutil.Clock
	Config      *config.Watcher
	Coordinator *Coordinator
	Store       attendance.Store
	Camera      detect.FrameSource
	Detector    detect.Detector
	Presenter   *feedback.Presenter
	Servo       actuator.Servo
	// Quit shuts the loop down when closed.
	Quit <-chan struct{}
	// Skip ends the detection window early. It is shared with the
	// Presenter, which uses it to skip clips and held screens.
	Skip <-chan struct{}

	// NewID returns record and session IDs. Defaults to uuid.NewString.
	NewID func() string
	// OnRestart, if set, runs before the loop restarts after a fault. An
	// error from it ends Run.
	OnRestart func(ctx context.Context) error

	mu       sync.Mutex
	state    State
	sessions int
	history  ringbuffer.RingP[SessionOutcome]
	hasRing  bool
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == "" {
		return StateWaitingBadge
	}
	return o.state
}

// History returns up to the last 16 session outcomes, oldest first.
func (o *Orchestrator) History() []SessionOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasRing {
		return nil
	}
	out := make([]SessionOutcome, 0, o.history.Len())
	for i := 0; i < o.history.Len(); i++ {
		out = append(out, o.history.Peek(i))
	}
	return out
}

// Sessions returns how many sessions have started.
func (o *Orchestrator) Sessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions
}

func (o *Orchestrator) enter(s *Session, st State) {
	s.state = st
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()
	o.Log.Debugf("Session %d: %v", s.Number, st)
}

func (o *Orchestrator) remember(out SessionOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasRing {
		o.history = ringbuffer.NewRingP[SessionOutcome](historySize)
		o.hasRing = true
	}
	o.history.Add(out)
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) quitRequested() bool {
	select {
	case <-o.Quit:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) skipRequested() bool {
	select {
	case <-o.Skip:
		return true
	default:
		return false
	}
}

// Run repeats sessions until the operator quits, ctx is done, or a restart
// after a fault fails. Faults are logged and followed by a pause.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		_, err := o.RunSession(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrShutdown) {
			return err
		}
		if ctx.Err() != nil {
			o.shutDown()
			return ctx.Err()
		}

		backoff := o.Config.Current().GetRestartBackoff()
		o.Log.Errorf("Session loop fault, restarting in %v: %v", backoff, err)
		herr := o.Presenter.Hold(ctx, backoff, func(remaining time.Duration) image.Image {
			return feedback.FallbackScreen("restart", remaining)
		})
		if errors.Is(herr, feedback.ErrQuit) {
			o.shutDown()
			return ErrShutdown
		}
		if herr != nil && !errors.Is(herr, feedback.ErrSkipped) {
			o.shutDown()
			return herr
		}
		if o.OnRestart != nil {
			if rerr := o.OnRestart(ctx); rerr != nil {
				o.shutDown()
				return fmt.Errorf("restarting session loop: %w", rerr)
			}
		}
	}
}

func (o *Orchestrator) shutDown() {
	o.mu.Lock()
	o.state = StateShutDown
	o.mu.Unlock()
}

// RunSession runs one session from WAITING_BADGE until it returns there or
// shuts down. Degraded steps are listed in the outcome's Errors and do not
// fail the session. The error is ErrShutdown after an operator quit, ctx's
// error when ctx ended the wait or the detection window, or a *FatalLoopError when the session
// faulted.
func (o *Orchestrator) RunSession(ctx context.Context) (out SessionOutcome, err error) {
	o.mu.Lock()
	o.sessions++
	number := o.sessions
	o.mu.Unlock()

	s := &Session{
		ID:      o.newID(),
		Number:  number,
		Config:  o.Config.Current(),
		Started: o.Clock.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			err = &FatalLoopError{Session: s.Number, Err: fmt.Errorf("panic: %v", r)}
			o.Log.Errorf("%v\n%s", err, debug.Stack())
		}
		if err != nil && !errors.Is(err, ErrShutdown) && ctx.Err() == nil {
			var fatal *FatalLoopError
			if !errors.As(err, &fatal) {
				err = &FatalLoopError{Session: s.Number, Err: err}
			}
		}
		out = o.outcome(s)
		o.remember(out)
	}()

	err = o.session(ctx, s)
	if s.quit {
		o.enter(s, StateShutDown)
		if err == nil {
			err = ErrShutdown
		}
	}
	return out, err
}

func (o *Orchestrator) outcome(s *Session) SessionOutcome {
	out := SessionOutcome{
		ID:       s.ID,
		Number:   s.Number,
		BadgeID:  s.Payload.BadgeID,
		Name:     s.Payload.Name,
		Started:  s.Started,
		Finished: o.Clock.Now(),
		Final:    s.state,
		Verdict:  s.Verdict,
		Errors:   s.errors,
	}
	if out.BadgeID == "" {
		out.BadgeID = s.Read.BadgeID
	}
	if s.Record != nil {
		out.Status = s.Record.Status
	}
	for _, e := range s.errors {
		out.ErrorText = append(out.ErrorText, e.Error())
	}
	return out
}

func (o *Orchestrator) session(ctx context.Context, s *Session) error {
	cfg := s.Config
	maxClip := cfg.GetMaxClip()

	o.enter(s, StateWaitingBadge)
	stopPrompt := o.Presenter.Prompt(ctx, cfg.GetMedia(config.MediaNoCard), maxClip)
	read, err := o.Coordinator.AwaitBadge(ctx, 0)
	stopPrompt()
	if err != nil {
		if errors.Is(err, feedback.ErrQuit) {
			s.quit = true
			return nil
		}
		if ctx.Err() != nil {
			o.enter(s, StateShutDown)
			return ctx.Err()
		}
		return err
	}
	s.Read = read
	// A skip pressed while waiting belongs to no phase of this session.
	o.skipRequested()

	o.Log.Infof("===== Session %d: badge %v =====", s.Number, read.BadgeID)
	o.enter(s, StateBadgeRead)
	payload, err := badge.ParsePayload(read)
	if err != nil {
		merr := &MalformedInputError{Raw: read.Text, Err: err}
		o.Log.Warnf("Ignoring badge %v: %v", read.BadgeID, merr)
		s.fail(merr)
		o.enter(s, StateWaitingBadge)
		return nil
	}
	s.Payload = payload
	o.Log.Infof("Badge %v: %v, %v, %v", payload.BadgeID, payload.Name, payload.Department, payload.Cohort)

	o.enter(s, StateDedupCheck)
	gate := &attendance.Gate{Store: o.Store, Clock: o.Clock, Location: cfg.GetLocation()}
	seen, prev, err := gate.HasCheckedInToday(ctx, payload.BadgeID)
	if err != nil {
		perr := &PersistenceError{Op: "query", Err: err}
		o.Log.Errorf("Daily check failed, treating %v as not checked in: %v", payload.BadgeID, perr)
		s.fail(perr)
		seen = false
	}
	if seen {
		o.enter(s, StateAlreadyCheckedIn)
		if prev.CheckinTime.IsZero() {
			o.Log.Infof("%v already checked in today", payload.Name)
		} else {
			o.Log.Infof("%v already checked in today at %v", payload.Name, prev.CheckinTime.Format("15:04:05"))
		}
		cerr := o.Presenter.ClipWith(ctx, string(config.MediaAlreadyTapped), cfg.GetMedia(config.MediaAlreadyTapped), maxClip,
			func(remaining time.Duration) image.Image {
				return feedback.AlreadyTappedScreen(payload.Name, remaining)
			})
		return o.feedbackErr(ctx, s, cerr)
	}

	o.enter(s, StateDetecting)
	if err := o.Presenter.Hold(ctx, cfg.GetAcceptedScreen(), func(time.Duration) image.Image {
		return feedback.AcceptedScreen(payload)
	}); err != nil {
		if ferr := o.feedbackErr(ctx, s, err); ferr != nil || s.quit {
			return ferr
		}
	}
	if o.Servo != nil && cfg.GetActuatorEnabled() {
		if err := o.Servo.SetAngle(cfg.GetDefaultAngle()); err != nil {
			serr := &TransientDeviceError{Device: "servo", Err: err}
			o.Log.Warnf("%v", serr)
			s.fail(serr)
		}
	}

	verdict, werr := o.detectWindow(ctx, s)
	s.Verdict = &verdict
	if verdict.SkippedFrames > 0 {
		s.fail(&TransientDeviceError{Device: "camera", Err: fmt.Errorf("%d of %d frames skipped", verdict.SkippedFrames, verdict.Frames+verdict.SkippedFrames)})
	}
	switch {
	case ctx.Err() != nil:
		o.Log.Infof("Detection for %v interrupted after %d frames, nothing recorded", payload.Name, verdict.Frames)
		o.enter(s, StateShutDown)
		return ctx.Err()
	case errors.Is(werr, detect.ErrWindowAborted) && o.quitRequested():
		o.Log.Infof("Detection for %v interrupted by quit, nothing recorded", payload.Name)
		s.quit = true
		return nil
	case errors.Is(werr, detect.ErrWindowAborted):
		o.Log.Infof("Detection for %v skipped after %d frames", payload.Name, verdict.Frames)
	case werr != nil:
		s.fail(&TransientDeviceError{Device: "detector", Err: werr})
	}
	o.Log.Infof("Verdict for %v: success=%v detected=%v missing=%v (%d frames, %d skipped)",
		payload.Name, verdict.Success, verdict.Detected, verdict.Missing, verdict.Frames, verdict.SkippedFrames)

	o.enter(s, StateResult)
	o.showResult(ctx, s)

	// Once the window has ended on its own or by a skip, the verdict is
	// recorded even when the operator quit or ctx ended during feedback.
	o.persist(context.WithoutCancel(ctx), s)
	o.enter(s, StatePersisted)
	if !s.quit && ctx.Err() != nil {
		o.enter(s, StateShutDown)
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) detectWindow(ctx context.Context, s *Session) (detect.Verdict, error) {
	cfg := s.Config
	threshold := cfg.GetConfidenceThreshold()
	w := &detect.Window{
		Log:      o.Log,
		Clock:    o.Clock,
		Camera:   o.Camera,
		Detector: o.Detector,
		Pacing:   cfg.GetFramePacing(),
		OnFrame: func(view detect.FrameView) bool {
			o.Presenter.Display.Show(feedback.DetectionScreen(view, threshold))
			if o.quitRequested() {
				return false
			}
			return !o.skipRequested()
		},
	}
	return w.Run(ctx, detect.WindowParams{
		Duration:      cfg.GetDetectionWindow(),
		Required:      cfg.GetRequiredObjects(),
		MinConfidence: cfg.GetMinConfidence(),
		Threshold:     threshold,
	})
}

func (o *Orchestrator) showResult(ctx context.Context, s *Session) {
	cfg := s.Config
	sel := config.MediaViolation
	if s.Verdict.Success {
		sel = config.MediaAllAttributes
	}
	if err := o.feedbackErr(ctx, s, o.Presenter.Clip(ctx, string(sel), cfg.GetMedia(sel), cfg.GetMaxClip())); err != nil || s.quit {
		return
	}
	required := cfg.GetRequiredObjects()
	herr := o.Presenter.Hold(ctx, cfg.GetResultScreen(), func(time.Duration) image.Image {
		return feedback.ResultScreen(s.Payload, *s.Verdict, required)
	})
	o.feedbackErr(ctx, s, herr)
}

// feedbackErr sorts a presenter error: a skip is not an error, an operator
// quit marks the session for shutdown, ctx's end is returned, anything else
// is a degraded device.
func (o *Orchestrator) feedbackErr(ctx context.Context, s *Session, err error) error {
	switch {
	case err == nil, errors.Is(err, feedback.ErrSkipped):
		return nil
	case errors.Is(err, feedback.ErrQuit):
		s.quit = true
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		derr := &TransientDeviceError{Device: "media", Err: err}
		s.fail(derr)
		return nil
	}
}

func (o *Orchestrator) persist(ctx context.Context, s *Session) {
	loc := s.Config.GetLocation()
	now := o.Clock.Now()
	checkin := s.Read.At
	if checkin.IsZero() {
		checkin = now
	}
	v := s.Verdict
	rec := attendance.Record{
		ID:                o.newID(),
		BadgeID:           s.Payload.BadgeID,
		Name:              s.Payload.Name,
		Department:        s.Payload.Department,
		Cohort:            s.Payload.Cohort,
		CheckinTime:       checkin,
		Status:            attendance.StatusFor(v.Success),
		Detected:          v.Detected,
		Missing:           v.Missing,
		ConfidenceByClass: v.ConfidenceByClass,
		CreatedAt:         now,
		Date:              timeutil.DateKey(checkin, loc),
	}
	if err := o.Store.Append(ctx, rec); err != nil {
		perr := &PersistenceError{Op: "append", Err: err}
		o.Log.Errorf("Attendance for %v not saved: %v", s.Payload.BadgeID, perr)
		s.fail(perr)
		return
	}
	s.Record = &rec
	o.Log.Infof("Recorded %v for %v", rec.Status, s.Payload.Name)
}
