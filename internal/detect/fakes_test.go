package detect

import (
	"context"
	"errors"
	"image"
	"sync"
)

type fakeCamera struct {
	mu    sync.Mutex
	fails []bool
	grabs int
}

func (c *fakeCamera) Grab(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.grabs
	c.grabs++
	if i < len(c.fails) && c.fails[i] {
		return nil, errors.New("no frame")
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

// scriptedDetector returns frames[i] for the i-th call and nothing after.
type scriptedDetector struct {
	frames [][]Sample
	errs   map[int]error
	calls  int
}

func (d *scriptedDetector) Infer(ctx context.Context, frame image.Image, threshold float64) ([]Sample, error) {
	i := d.calls
	d.calls++
	if err := d.errs[i]; err != nil {
		return nil, err
	}
	if i < len(d.frames) {
		return d.frames[i], nil
	}
	return nil, nil
}
