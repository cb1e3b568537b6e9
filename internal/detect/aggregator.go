package detect

import (
	"sort"
)

// Verdict is the outcome of one detection window.
type Verdict struct {
	Detected          []string           `json:"detected"`
	Missing           []string           `json:"missing"`
	ConfidenceByClass map[string]float64 `json:"confidence_by_class"`
	Success           bool               `json:"success"`
	DetectedCount     int                `json:"detected_count"`
	RequiredCount     int                `json:"required_count"`

	// Frames and SkippedFrames count window ticks that did and did not
	// reach the detector.
	Frames        int `json:"frames"`
	SkippedFrames int `json:"skipped_frames"`
}

// Aggregator accumulates the required classes ever seen with confidence of
// at least MinConfidence, and the best confidence seen for each. A class
// once detected stays detected for the rest of the window.
type Aggregator struct {
	required      []string
	requiredSet   map[string]bool
	minConfidence float64

	detected map[string]bool
	best     map[string]float64
}

// NewAggregator returns an empty aggregator for one window.
func NewAggregator(required []string, minConfidence float64) *Aggregator {
	a := &Aggregator{
		required:      append([]string(nil), required...),
		requiredSet:   make(map[string]bool, len(required)),
		minConfidence: minConfidence,
	}
	for _, c := range required {
		a.requiredSet[c] = true
	}
	a.Reset()
	return a
}

// Reset clears all accumulated state.
func (a *Aggregator) Reset() {
	a.detected = make(map[string]bool, len(a.required))
	a.best = make(map[string]float64, len(a.required))
}

// Fold merges one frame's samples and returns how many were accepted.
// Samples of classes that are not required, or below MinConfidence, are
// ignored.
func (a *Aggregator) Fold(samples []Sample) int {
	accepted := 0
	for _, s := range samples {
		if !a.requiredSet[s.Class] || s.Confidence < a.minConfidence {
			continue
		}
		accepted++
		a.detected[s.Class] = true
		if prev, ok := a.best[s.Class]; !ok || s.Confidence > prev {
			a.best[s.Class] = s.Confidence
		}
	}
	return accepted
}

// Seen reports whether class has been detected so far.
func (a *Aggregator) Seen(class string) bool {
	return a.detected[class]
}

// Required returns the required classes in configured order.
func (a *Aggregator) Required() []string {
	return append([]string(nil), a.required...)
}

// Verdict summarises the window so far. Detected and Missing are sorted.
func (a *Aggregator) Verdict() Verdict {
	v := Verdict{
		Detected:          []string{},
		Missing:           []string{},
		ConfidenceByClass: make(map[string]float64, len(a.best)),
		RequiredCount:     len(a.requiredSet),
	}
	for c := range a.detected {
		v.Detected = append(v.Detected, c)
	}
	for c := range a.requiredSet {
		if !a.detected[c] {
			v.Missing = append(v.Missing, c)
		}
	}
	for c, conf := range a.best {
		v.ConfidenceByClass[c] = conf
	}
	sort.Strings(v.Detected)
	sort.Strings(v.Missing)
	v.DetectedCount = len(v.Detected)
	v.Success = v.DetectedCount == v.RequiredCount
	return v
}
