package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func receive(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

// TestMonitor_FansOutLines tests that every subscriber sees every line.
func TestMonitor_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddLine("X1|John,CS,2024\r")
	port.AddLine("")
	port.AddLine("# heartbeat")

	for _, ch := range []chan string{a, b} {
		if got := receive(t, ch); got != "X1|John,CS,2024" {
			t.Errorf("first line = %q", got)
		}
		if got := receive(t, ch); got != "# heartbeat" {
			t.Errorf("second line = %q", got)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

// TestMonitor_ReturnsReadError tests that a port failure ends Monitor.
func TestMonitor_ReturnsReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("Monitor() = %v, want unplugged error", err)
	}
}

func TestSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("S50"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("S20\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if diff := cmp.Diff([]string{"S50", "S20"}, port.WrittenLines()); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}

	port.ShortWrite = true
	if err := mux.SendCommand("S30"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write: got %v, want ErrWriteFailed", err)
	}
}

func TestInitialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if diff := cmp.Diff(InitCommands, port.WrittenLines()); diff != "" {
		t.Errorf("init commands mismatch (-want +got):\n%s", diff)
	}

	port.WriteError = errors.New("boom")
	if err := mux.Initialize(); err == nil {
		t.Error("expected error when write fails")
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	mux.Unsubscribe(id)

	_, ch2 := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after Close")
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
}

func TestClassifyLine(t *testing.T) {
	tests := map[string]string{
		"X1|John,CS,2024": LineTap,
		"OK S50":          LineAck,
		"ERR bad angle":   LineAck,
		"# boot v1.2":     LineComment,
		"garbage":         LineUnknown,
	}
	for line, want := range tests {
		if got := ClassifyLine(line); got != want {
			t.Errorf("ClassifyLine(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestAdminRoutes_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"S45"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/serial-send", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if diff := cmp.Diff([]string{"S45"}, port.WrittenLines()); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/serial-send", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}
