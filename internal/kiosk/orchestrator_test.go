package kiosk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/detect"
)

var johnTap = badge.Read{BadgeID: "X1", Text: "John,CS,2024"}

func TestRunSession_Pass(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = [][]detect.Sample{
		{sample("A", 0.9), sample("B", 0.4)},
		{sample("B", 0.6), sample("C", 0.7)},
	}

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Equal(t, attendance.StatusPass, out.Status)
	require.Empty(t, out.Errors)

	recs := r.records(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, "X1", rec.BadgeID)
	require.Equal(t, "John", rec.Name)
	require.Equal(t, "CS", rec.Department)
	require.Equal(t, "2024", rec.Cohort)
	require.Equal(t, attendance.StatusPass, rec.Status)
	require.Equal(t, "2026-03-02", rec.Date)
	require.Empty(t, rec.Missing)
	if diff := cmp.Diff(map[string]float64{"A": 0.9, "B": 0.6, "C": 0.7}, rec.ConfidenceByClass); diff != "" {
		t.Errorf("confidence mismatch (-want +got):\n%s", diff)
	}

	require.Contains(t, r.player.clips(), "all_attributes.mp4")
	require.NotContains(t, r.player.clips(), "violation.mp4")
	require.Equal(t, []int{50}, r.servo.angles)
	require.Equal(t, StatePersisted, r.orch.State())
}

func TestRunSession_Fail(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = [][]detect.Sample{
		{sample("A", 0.9), sample("B", 0.45), sample("C", 0.2)},
	}

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, attendance.StatusFail, out.Status)
	require.Equal(t, []string{"B", "C"}, out.Verdict.Missing)

	recs := r.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, attendance.StatusFail, recs[0].Status)
	require.Equal(t, []string{"A"}, recs[0].Detected)
	require.Equal(t, []string{"B", "C"}, recs[0].Missing)
	require.Contains(t, r.player.clips(), "violation.mp4")
}

func TestRunSession_SecondTapSameDay(t *testing.T) {
	r := newRig(t, johnTap, johnTap)
	r.detector.frames = [][]detect.Sample{{sample("A", 0.9)}}

	first, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, first.Final)
	framesAfterFirst := r.detector.calls

	second, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAlreadyCheckedIn, second.Final)
	require.Empty(t, second.Status)
	require.Nil(t, second.Verdict)
	require.Equal(t, framesAfterFirst, r.detector.calls, "no detection for an already checked-in badge")

	require.Len(t, r.records(t), 1)
	require.EqualValues(t, 1, r.store.appends.Load())
	require.Contains(t, r.player.clips(), "already_tapped.mp4")

	hist := r.orch.History()
	require.Len(t, hist, 2)
	require.Equal(t, 1, hist[0].Number)
	require.Equal(t, 2, hist[1].Number)
}

func TestRunSession_NextDayChecksInAgain(t *testing.T) {
	r := newRig(t, johnTap, johnTap)
	_, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)

	r.clock.Advance(24 * time.Hour)
	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Len(t, r.records(t), 2)
}

func TestRunSession_MalformedPayload(t *testing.T) {
	r := newRig(t, badge.Read{BadgeID: "X1", Text: "OnlyOneField"})

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateWaitingBadge, out.Final)
	require.Equal(t, StateWaitingBadge, r.orch.State())
	require.Zero(t, r.store.calls(), "store must not be touched")
	require.Zero(t, r.detector.calls)

	require.Len(t, out.Errors, 1)
	var merr *MalformedInputError
	require.ErrorAs(t, out.Errors[0], &merr)
	require.ErrorIs(t, merr, badge.ErrMalformedPayload)
	require.Equal(t, "OnlyOneField", merr.Raw)
}

func TestRunSession_AppendFailureContinues(t *testing.T) {
	r := newRig(t, johnTap)
	r.store.appendErr = errors.New("disk full")

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Empty(t, out.Status)

	var perr *PersistenceError
	require.Len(t, out.Errors, 1)
	require.ErrorAs(t, out.Errors[0], &perr)
	require.Equal(t, "append", perr.Op)
	require.EqualValues(t, 1, r.store.appends.Load(), "append is not retried")
}

func TestRunSession_GateErrorTreatedAsNotCheckedIn(t *testing.T) {
	r := newRig(t, johnTap)
	r.store.queryError = errors.New("unreadable")

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)

	var perr *PersistenceError
	require.ErrorAs(t, out.Errors[0], &perr)
	require.Equal(t, "query", perr.Op)
	require.EqualValues(t, 1, r.store.appends.Load())
}

func TestRunSession_ServoFailureIsDegraded(t *testing.T) {
	r := newRig(t, johnTap)
	r.servo.err = errors.New("no ack")

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	var derr *TransientDeviceError
	require.ErrorAs(t, out.Errors[0], &derr)
	require.Equal(t, "servo", derr.Device)
	require.Len(t, r.records(t), 1)
}

func TestRunSession_MissingClipFallsBack(t *testing.T) {
	r := newRig(t, johnTap)
	r.orch.Presenter.MediaDir = t.TempDir()

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	var derr *TransientDeviceError
	require.ErrorAs(t, out.Errors[0], &derr)
	require.Equal(t, "media", derr.Device)
	require.Empty(t, r.player.clips())
}

var allThree = [][]detect.Sample{{sample("A", 0.9), sample("B", 0.9), sample("C", 0.9)}}

func TestRunSession_QuitDuringDetectionRecordsNothing(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = allThree
	r.detector.onCall = func(n int) {
		if n == 2 {
			close(r.quit)
		}
	}

	out, err := r.orch.RunSession(context.Background())
	require.ErrorIs(t, err, ErrShutdown)
	require.Equal(t, StateShutDown, out.Final)
	require.Equal(t, StateShutDown, r.orch.State())
	require.Equal(t, 3, r.detector.calls)
	require.Empty(t, r.records(t))
	require.Zero(t, r.store.appends.Load())
	require.NotContains(t, r.player.clips(), "all_attributes.mp4")
}

func TestRunSession_CancelDuringDetectionRecordsNothing(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = allThree
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.detector.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	out, err := r.orch.RunSession(ctx)
	require.ErrorIs(t, err, context.Canceled)
	var fatal *FatalLoopError
	require.False(t, errors.As(err, &fatal), "a cancelled window is not a fault")
	require.Equal(t, StateShutDown, out.Final)
	require.Empty(t, r.records(t))
	require.Zero(t, r.store.appends.Load())

	// The badge can still check in once the kiosk is back.
	r2 := newRig(t, johnTap)
	r2.store.Store = r.store.Store
	_, err = r2.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Len(t, r2.records(t), 1)
}

func TestRunSession_SkipDuringDetectionContinues(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = allThree
	r.detector.onCall = func(n int) {
		if n == 2 {
			r.skip <- struct{}{}
		}
	}

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Equal(t, 3, r.detector.calls)
	require.Equal(t, 3, out.Verdict.Frames)

	recs := r.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, attendance.StatusPass, recs[0].Status)
	require.Contains(t, r.player.clips(), "all_attributes.mp4")
}

func TestRunSession_SkipDuringResultClipContinues(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = allThree
	r.player.block = "all_attributes.mp4"
	r.player.onPlay = func(clip string) {
		if clip == "all_attributes.mp4" {
			r.skip <- struct{}{}
		}
	}

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Equal(t, StatePersisted, r.orch.State())
	require.Empty(t, out.Errors)

	recs := r.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, attendance.StatusPass, recs[0].Status)
	select {
	case <-r.quit:
		t.Fatal("a skip must not quit")
	default:
	}
}

func TestRunSession_SkipWhileWaitingIsDropped(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.frames = allThree
	r.skip <- struct{}{}

	out, err := r.orch.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePersisted, out.Final)
	require.Greater(t, r.detector.calls, 3, "the window runs its full length")
}

func TestRunSession_PanicBecomesFatalLoopError(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.onCall = func(int) { panic("model crashed") }

	out, err := r.orch.RunSession(context.Background())
	var fatal *FatalLoopError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 1, fatal.Session)
	require.Contains(t, err.Error(), "model crashed")
	require.Equal(t, StateDetecting, out.Final)
	require.Zero(t, r.store.appends.Load())
	require.Len(t, r.orch.History(), 1)
}

func TestRun_RestartsAfterFault(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.onCall = func(int) { panic("model crashed") }
	restarts := 0
	r.orch.OnRestart = func(context.Context) error {
		restarts++
		// Quit while the restarted loop waits for the next badge.
		close(r.quit)
		return nil
	}

	err := r.orch.Run(context.Background())
	require.ErrorIs(t, err, ErrShutdown)
	require.Equal(t, 1, restarts)
	require.Equal(t, StateShutDown, r.orch.State())
	require.Equal(t, 2, r.orch.Sessions())

	var waited time.Duration
	for _, d := range r.clock.Sleeps() {
		waited += d
	}
	require.GreaterOrEqual(t, waited, 3*time.Second, "restart backoff")
}

func TestRun_RestartFailureEndsRun(t *testing.T) {
	r := newRig(t, johnTap)
	r.detector.onCall = func(int) { panic("model crashed") }
	r.orch.OnRestart = func(context.Context) error { return errors.New("camera gone") }

	err := r.orch.Run(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrShutdown)
	require.Contains(t, err.Error(), "camera gone")
}

func TestRun_ContextCancelEndsRun(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for r.reader.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := r.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateShutDown, r.orch.State())
}

func TestHistoryKeepsLastSessions(t *testing.T) {
	taps := make([]badge.Read, 0, 20)
	for i := 0; i < 20; i++ {
		taps = append(taps, badge.Read{BadgeID: "bad", Text: "nope"})
	}
	r := newRig(t, taps...)
	for i := 0; i < 20; i++ {
		_, err := r.orch.RunSession(context.Background())
		require.NoError(t, err)
	}
	hist := r.orch.History()
	require.Len(t, hist, historySize)
	require.Equal(t, 5, hist[0].Number)
	require.Equal(t, 20, hist[len(hist)-1].Number)
}
