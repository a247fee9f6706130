package pricing

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory price table for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice
}

// NewMemoryStore creates an empty price table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]*ModelPrice)}
}

// NewSeededMemoryStore creates a price table holding BuiltinPrices.
func NewSeededMemoryStore() *MemoryStore {
	m := NewMemoryStore()
	for _, p := range BuiltinPrices() {
		m.prices[p.ModelID] = p
	}
	return m
}

func (m *MemoryStore) GetPrice(_ context.Context, modelID string) (*ModelPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prices[modelID]
	if !ok {
		return nil, ErrModelNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPrices(_ context.Context) ([]*ModelPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ModelPrice, 0, len(m.prices))
	for _, p := range m.prices {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (m *MemoryStore) UpsertPrice(_ context.Context, p *ModelPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.prices[p.ModelID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
