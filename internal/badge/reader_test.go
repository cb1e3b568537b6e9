package badge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/serialmux"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
	"github.com/cyclopcam/logs"
)

func TestSerialReader_ReadsTap(t *testing.T) {
	mux := serialmux.NewVirtualSerialMux()
	r := NewSerialReader(logs.NewTestingLog(t), timeutil.RealClock{}, mux)
	defer r.Close()

	mux.Inject("# reader ready")
	mux.Inject("OK R")
	mux.Inject("X1|John,CS,2024")

	got, err := r.Read(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.BadgeID != "X1" || got.Text != "John,CS,2024" {
		t.Errorf("Read() = %+v", got)
	}
}

func TestSerialReader_Timeout(t *testing.T) {
	mux := serialmux.NewVirtualSerialMux()
	r := NewSerialReader(logs.NewTestingLog(t), timeutil.RealClock{}, mux)
	defer r.Close()

	_, err := r.Read(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrReadTimeout) {
		t.Errorf("Read() error = %v, want ErrReadTimeout", err)
	}
}

func TestSerialReader_ContextCancel(t *testing.T) {
	mux := serialmux.NewVirtualSerialMux()
	r := NewSerialReader(logs.NewTestingLog(t), timeutil.RealClock{}, mux)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Read(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
}

func TestSerialReader_DiscardsStaleTaps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	mux := serialmux.NewVirtualSerialMux()
	r := NewSerialReader(logs.NewTestingLog(t), clock, mux)
	defer r.Close()

	mux.Inject("OLD|Late,EE,2022")
	// let the pump stamp the tap before time moves on
	time.Sleep(50 * time.Millisecond)
	clock.Advance(DefaultStaleAfter + time.Second)
	mux.Inject("NEW|Fresh,EE,2022")
	time.Sleep(50 * time.Millisecond)

	got, err := r.Read(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.BadgeID != "NEW" {
		t.Errorf("Read() = %q, want the fresh tap", got.BadgeID)
	}
}

func TestSerialReader_ClosedMux(t *testing.T) {
	mux := serialmux.NewVirtualSerialMux()
	r := NewSerialReader(logs.NewTestingLog(t), timeutil.RealClock{}, mux)
	mux.Close()

	if _, err := r.Read(context.Background(), time.Second); !errors.Is(err, ErrReaderClosed) {
		t.Errorf("Read() error = %v, want ErrReaderClosed", err)
	}
	r.Close()
}
