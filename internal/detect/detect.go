// Package detect folds object-detector output over a fixed time window into
// a pass/fail verdict on the attributes a student is wearing.
package detect

import (
	"context"
	"image"
)

// Box is a detection's bounding rectangle in frame pixels.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts b to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Sample is one labelled detection in one frame.
type Sample struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector runs the object model on a frame and returns every detection at
// or above threshold.
type Detector interface {
	Infer(ctx context.Context, frame image.Image, threshold float64) ([]Sample, error)
}

// ClassLister is implemented by detectors that can report the class names
// their model knows.
type ClassLister interface {
	Classes(ctx context.Context) ([]string, error)
}

// FrameSource yields camera frames.
type FrameSource interface {
	Grab(ctx context.Context) (image.Image, error)
}

// MissingClasses returns the entries of required that model does not know.
func MissingClasses(required, model []string) []string {
	known := make(map[string]bool, len(model))
	for _, c := range model {
		known[c] = true
	}
	var missing []string
	for _, c := range required {
		if !known[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
