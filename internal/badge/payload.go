// Package badge reads badge taps from the reader bridge and decodes the
// identity text written on each card.
package badge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when card text is not exactly
// "name,department,cohort".
var ErrMalformedPayload = errors.New("malformed badge payload")

// Read is one raw badge tap.
type Read struct {
	BadgeID string
	Text    string
	At      time.Time
}

// Payload is the decoded identity on a badge.
type Payload struct {
	BadgeID    string
	Name       string
	Department string
	Cohort     string
}

// ParsePayload decodes r.Text. The text must hold exactly three
// comma-separated fields; each is trimmed of surrounding whitespace.
func ParsePayload(r Read) (Payload, error) {
	if strings.TrimSpace(r.BadgeID) == "" {
		return Payload{}, fmt.Errorf("%w: empty badge id", ErrMalformedPayload)
	}
	fields := strings.Split(strings.TrimSpace(r.Text), ",")
	if len(fields) != 3 {
		return Payload{}, fmt.Errorf("%w: want 3 fields, got %d in %q", ErrMalformedPayload, len(fields), r.Text)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return Payload{
		BadgeID:    strings.TrimSpace(r.BadgeID),
		Name:       fields[0],
		Department: fields[1],
		Cohort:     fields[2],
	}, nil
}
