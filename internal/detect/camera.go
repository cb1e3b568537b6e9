package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/httputil"
	"golang.org/x/image/draw"
)

const maxSnapshot = 8 << 20

// SnapshotCamera fetches a JPEG still per Grab and scales it down to fit
// MaxWidth x MaxHeight.
type SnapshotCamera struct {
	Client    httputil.HTTPClient
	URL       string
	Timeout   time.Duration
	MaxWidth  int
	MaxHeight int
}

// NewSnapshotCamera returns a camera that fits frames into 640x480.
func NewSnapshotCamera(client httputil.HTTPClient, url string, timeout time.Duration) *SnapshotCamera {
	return &SnapshotCamera{Client: client, URL: url, Timeout: timeout, MaxWidth: 640, MaxHeight: 480}
}

// Grab implements FrameSource.
func (c *SnapshotCamera) Grab(ctx context.Context) (image.Image, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	body, err := httputil.ReadBody(c.Client, req, maxSnapshot)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return Fit(img, c.MaxWidth, c.MaxHeight), nil
}

// Fit scales img down, preserving aspect ratio, so that it fits in w x h.
// Smaller images are returned unchanged.
func Fit(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() <= w && b.Dy() <= h) {
		return img
	}
	scale := min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	dw := max(int(float64(b.Dx())*scale), 1)
	dh := max(int(float64(b.Dy())*scale), 1)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Probe grabs attempts frames and fails unless at least need succeed. It is
// run once at startup so a dead camera is reported before the first session.
func Probe(ctx context.Context, cam FrameSource, attempts, need int) error {
	ok := 0
	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := cam.Grab(ctx); err != nil {
			lastErr = err
			continue
		}
		ok++
	}
	if ok < need {
		return fmt.Errorf("camera probe: %d of %d frames ok (need %d): %w", ok, attempts, need, lastErr)
	}
	return nil
}
