package usage

import (
	"context"
	"time"
)

// Store persists usage records. Increment must be a single atomic
// add-on-conflict so concurrent events for one location never lose updates.
type Store interface {
	Get(ctx context.Context, locationID string, period Period) (*Record, error)
	// GetOrCreate returns the record, inserting an empty one if missing.
	GetOrCreate(ctx context.Context, locationID string, period Period, now time.Time) (*Record, error)
	// Increment adds delta and returns the updated record. Daily counters
	// are attributed to day.
	Increment(ctx context.Context, locationID string, period Period, day string, delta Delta, now time.Time) (*Record, error)
	// History returns up to limit records for the location, newest period first.
	History(ctx context.Context, locationID string, limit int) ([]*Record, error)
}
