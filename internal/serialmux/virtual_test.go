package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestVirtualSerialMux_Inject(t *testing.T) {
	v := NewVirtualSerialMux()
	_, ch := v.Subscribe()

	v.Inject("X1|John,CS,2024")
	if got := receive(t, ch); got != "X1|John,CS,2024" {
		t.Errorf("got %q", got)
	}

	v.SendCommand("S50\n")
	if diff := cmp.Diff([]string{"S50"}, v.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestVirtualSerialMux_MonitorBlocksUntilCancel(t *testing.T) {
	v := NewVirtualSerialMux()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := v.Monitor(ctx); err != context.DeadlineExceeded {
		t.Errorf("Monitor() = %v", err)
	}
}

func TestVirtualSerialMux_CloseClosesSubscribers(t *testing.T) {
	v := NewVirtualSerialMux()
	_, ch := v.Subscribe()
	v.Close()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	_, late := v.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
	v.Inject("ignored")
	if err := v.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestVirtualSerialMux_InjectRoute(t *testing.T) {
	v := NewVirtualSerialMux()
	_, ch := v.Subscribe()
	httpMux := http.NewServeMux()
	v.AttachAdminRoutes(httpMux)

	form := url.Values{"line": {"X9|Ana,EE,2023"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/serial-inject", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := receive(t, ch); got != "X9|Ana,EE,2023" {
		t.Errorf("got %q", got)
	}
}
