package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/extractly/internal/syncutil"
)

type recordKey struct {
	locationID string
	period     Period
}

// MemoryStore is an in-memory usage store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*Record // copy-on-write; never mutated in place
	locks   *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]*Record),
		locks:   syncutil.NewKeyedMutex(0),
	}
}

func (m *MemoryStore) Get(_ context.Context, locationID string, period Period) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey{locationID, period}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, locationID string, period Period, now time.Time) (*Record, error) {
	return m.Increment(ctx, locationID, period, DayOf(now), Delta{}, now)
}

// Increment serializes writers per key with the keyed mutex and publishes a
// fresh copy of the record, so readers never see a half-applied delta.
func (m *MemoryStore) Increment(ctx context.Context, locationID string, period Period, day string, delta Delta, now time.Time) (*Record, error) {
	key := recordKey{locationID, period}
	unlock, err := m.locks.LockContext(ctx, locationID+"|"+string(period))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	current, ok := m.records[key]
	m.mu.RUnlock()

	var next Record
	if ok {
		next = *current
	} else {
		next = *newRecord(locationID, period, now)
		next.DailyDate = day
	}
	if ok && delta.IsZero() {
		return &next, nil
	}
	if !delta.IsZero() {
		next.apply(delta, day, now)
	}

	stored := next
	m.mu.Lock()
	m.records[key] = &stored
	m.mu.Unlock()
	return &next, nil
}

func (m *MemoryStore) History(_ context.Context, locationID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for key, rec := range m.records {
		if key.locationID != locationID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period > out[j].Period })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
