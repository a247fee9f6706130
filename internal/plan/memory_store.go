package plan

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory plan store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	plans         map[string]*Plan
	subscriptions map[string]*Subscription // by location
	agencies      map[string]*AgencyPermissions
	licensed      map[string]map[string]*LicensedLocation // agency -> location
}

// NewMemoryStore creates an empty store. Use Seed to load a catalogue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:         make(map[string]*Plan),
		subscriptions: make(map[string]*Subscription),
		agencies:      make(map[string]*AgencyPermissions),
		licensed:      make(map[string]map[string]*LicensedLocation),
	}
}

// NewSeededMemoryStore creates a store holding DefaultCatalog.
func NewSeededMemoryStore() *MemoryStore {
	m := NewMemoryStore()
	for _, p := range DefaultCatalog() {
		m.plans[p.Code] = p
	}
	return m
}

func (m *MemoryStore) GetPlan(_ context.Context, code string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[code]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListPlans(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p.Clone())
	}
	sortPlans(out)
	return out, nil
}

func (m *MemoryStore) UpsertPlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.plans[p.Code] = p.Clone()
	return nil
}

func (m *MemoryStore) GetActiveSubscription(_ context.Context, locationID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[locationID]
	if !ok || !sub.IsActive {
		return nil, ErrNoSubscription
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	if existing, ok := m.subscriptions[sub.LocationID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.subscriptions[sub.LocationID] = &cp
	return nil
}

func (m *MemoryStore) GetAgencyPermissions(_ context.Context, agencyID string) (*AgencyPermissions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perms, ok := m.agencies[agencyID]
	if !ok {
		return nil, ErrAgencyNotFound
	}
	cp := *perms
	return &cp, nil
}

func (m *MemoryStore) UpsertAgencyPermissions(_ context.Context, perms *AgencyPermissions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *perms
	m.agencies[perms.AgencyID] = &cp
	return nil
}

func (m *MemoryStore) LicenseLocation(_ context.Context, loc *LicensedLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLoc, ok := m.licensed[loc.AgencyID]
	if !ok {
		byLoc = make(map[string]*LicensedLocation)
		m.licensed[loc.AgencyID] = byLoc
	}
	cp := *loc
	if existing, ok := byLoc[loc.LocationID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	byLoc[loc.LocationID] = &cp
	return nil
}

func (m *MemoryStore) ListLicensedLocations(_ context.Context, agencyID string) ([]*LicensedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*LicensedLocation, 0, len(m.licensed[agencyID]))
	for _, l := range m.licensed[agencyID] {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
