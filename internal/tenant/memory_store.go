package tenant

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory configuration store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*Configuration // by ID
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory configuration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*Configuration),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, cfg *Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.IsActive {
		for _, existing := range m.configs {
			if existing.IsActive && existing.LocationID == cfg.LocationID {
				return ErrLocationTaken
			}
		}
	}
	m.configs[cfg.ID] = cfg.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, ErrConfigurationNotFound
	}
	return cfg.clone(), nil
}

func (m *MemoryStore) FindExact(_ context.Context, userID, locationID string) (*Configuration, error) {
	return m.newest(func(c *Configuration) bool {
		return c.LocationID == locationID && c.OwnedBy(userID)
	})
}

func (m *MemoryStore) FindByLocation(_ context.Context, locationID string) (*Configuration, error) {
	return m.newest(func(c *Configuration) bool {
		return c.LocationID == locationID && c.Linked()
	})
}

func (m *MemoryStore) FindUnlinkedByLocation(_ context.Context, locationID string) (*Configuration, error) {
	return m.newest(func(c *Configuration) bool {
		return c.LocationID == locationID && !c.Linked()
	})
}

func (m *MemoryStore) FindByUser(_ context.Context, userID string) (*Configuration, error) {
	return m.newest(func(c *Configuration) bool { return c.OwnedBy(userID) })
}

func (m *MemoryStore) SetUserID(_ context.Context, id string, expected *string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[id]
	if !ok || !cfg.IsActive {
		return ErrConfigurationNotFound
	}
	if !sameOwner(cfg.UserID, expected) {
		return ErrLinkConflict
	}
	if cfg.OwnedBy(userID) {
		return nil
	}
	u := userID
	cfg.UserID = &u
	cfg.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[id]
	if !ok {
		return ErrConfigurationNotFound
	}
	cfg.IsActive = false
	cfg.UpdatedAt = m.now()
	return nil
}

// newest returns the most recently updated active match. Ties break on ID
// so results are deterministic.
func (m *MemoryStore) newest(match func(*Configuration) bool) (*Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Configuration
	for _, c := range m.configs {
		if !c.IsActive || !match(c) {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrConfigurationNotFound
	}
	return best.clone(), nil
}

func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var _ Store = (*MemoryStore)(nil)
