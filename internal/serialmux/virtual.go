package serialmux

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

// VirtualSerialMux stands in for the bridge when no hardware is attached
// (--serial ""). Lines are fed in with Inject, either from tests or from the
// serial-inject admin route, and commands are recorded instead of written.
type VirtualSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	commands    []string
	closing     bool
}

func NewVirtualSerialMux() *VirtualSerialMux {
	return &VirtualSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *VirtualSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *VirtualSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

// Inject delivers line to every subscriber as if the device had printed it.
func (d *VirtualSerialMux) Inject(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return
	}
	for _, ch := range d.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (d *VirtualSerialMux) SendCommand(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, strings.TrimSuffix(command, "\n"))
	return nil
}

// Commands returns every command sent so far.
func (d *VirtualSerialMux) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *VirtualSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *VirtualSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *VirtualSerialMux) Initialize() error { return nil }

func (d *VirtualSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, d)

	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("serial-inject", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			http.Error(w, "Missing line", http.StatusBadRequest)
			return
		}
		d.Inject(line)
		w.WriteHeader(http.StatusNoContent)
	})
}
