package attendance

import (
	"context"
	"errors"
)

// ErrStoreCorrupt is returned when persisted data cannot be decoded.
var ErrStoreCorrupt = errors.New("attendance store is corrupt")

// Store persists attendance records. Append is the only mutation.
type Store interface {
	Append(ctx context.Context, r Record) error
	// QueryAll returns every record in append order.
	QueryAll(ctx context.Context) ([]Record, error)
	// QueryByBadge returns the records of one badge in append order.
	QueryByBadge(ctx context.Context, badgeID string) ([]Record, error)
}

// CheckinFinder is implemented by stores that can answer the daily gate from
// the card and date fields alone, so a record whose other fields no longer
// decode still counts as a check-in.
type CheckinFinder interface {
	// FindCheckin returns the first record of badgeID dated day, or nil.
	// Only BadgeID and Date are guaranteed to be set on it.
	FindCheckin(ctx context.Context, badgeID, day string) (*Record, error)
}

// DateQuerier is implemented by stores that can select one day's records
// without reading the rest.
type DateQuerier interface {
	// QueryByDate returns the records dated day (YYYY-MM-DD) in append order.
	QueryByDate(ctx context.Context, day string) ([]Record, error)
}
