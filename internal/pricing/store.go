package pricing

import (
	"context"
	"errors"
)

// Store persists the model price table.
type Store interface {
	GetPrice(ctx context.Context, modelID string) (*ModelPrice, error)
	ListPrices(ctx context.Context) ([]*ModelPrice, error)
	UpsertPrice(ctx context.Context, p *ModelPrice) error
}

// Seed writes BuiltinPrices for every model the store does not price yet.
// Existing rows are left alone so operator edits survive restarts.
func Seed(ctx context.Context, store Store) error {
	for _, p := range BuiltinPrices() {
		_, err := store.GetPrice(ctx, p.ModelID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrModelNotFound) {
			return err
		}
		if err := store.UpsertPrice(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
