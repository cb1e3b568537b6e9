// Package feedback renders kiosk screens and plays outcome clips.
package feedback

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"sync"
)

// Display holds the latest rendered kiosk frame. Only the foreground loop
// calls Show; HTTP readers take the latest frame under the lock.
type Display struct {
	// Sink, if set, receives every frame as it is shown (a framebuffer or
	// window). It runs on the caller's goroutine.
	Sink func(image.Image)

	mu    sync.Mutex
	frame image.Image
	count uint64
}

// NewDisplay returns an empty display.
func NewDisplay() *Display {
	return &Display{}
}

// Show publishes img as the current frame.
func (d *Display) Show(img image.Image) {
	d.mu.Lock()
	d.frame = img
	d.count++
	d.mu.Unlock()
	if d.Sink != nil {
		d.Sink(img)
	}
}

// Latest returns the current frame and how many frames have been shown.
func (d *Display) Latest() (image.Image, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame, d.count
}

// ServeHTTP writes the current frame as PNG.
func (d *Display) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, count := d.Latest()
	if frame == nil {
		http.Error(w, "no frame rendered yet", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Count", strconv.FormatUint(count, 10))
	w.Write(buf.Bytes())
}
