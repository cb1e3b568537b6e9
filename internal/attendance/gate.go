package attendance

import (
	"context"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// Gate enforces one check-in per badge per calendar day. It reads the store
// on every call and keeps no state of its own.
type Gate struct {
	Store    Store
	Clock    timeutil.Clock
	Location *time.Location
}

// HasCheckedInToday reports whether badgeID already has a record dated today,
// and returns the first such record. Stores that implement CheckinFinder are
// asked directly.
func (g *Gate) HasCheckedInToday(ctx context.Context, badgeID string) (bool, *Record, error) {
	today := timeutil.Today(g.Clock, g.Location)
	if f, ok := g.Store.(CheckinFinder); ok {
		r, err := f.FindCheckin(ctx, badgeID, today)
		if err != nil {
			return false, nil, err
		}
		return r != nil, r, nil
	}
	records, err := g.Store.QueryByBadge(ctx, badgeID)
	if err != nil {
		return false, nil, err
	}
	for i := range records {
		if records[i].BadgeID == badgeID && records[i].Date == today {
			r := records[i]
			return true, &r, nil
		}
	}
	return false, nil, nil
}
