package pricing

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads and writes the model_prices table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed price store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetPrice(ctx context.Context, modelID string) (*ModelPrice, error) {
	mp := &ModelPrice{}
	err := p.db.QueryRowContext(ctx, `
		SELECT model_id, input_per_million, output_per_million, updated_at
		FROM model_prices WHERE model_id = $1`, modelID,
	).Scan(&mp.ModelID, &mp.InputPerMillion, &mp.OutputPerMillion, &mp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func (p *PostgresStore) ListPrices(ctx context.Context) ([]*ModelPrice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_id, input_per_million, output_per_million, updated_at
		FROM model_prices ORDER BY model_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ModelPrice
	for rows.Next() {
		mp := &ModelPrice{}
		if err := rows.Scan(&mp.ModelID, &mp.InputPerMillion, &mp.OutputPerMillion, &mp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, mp)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertPrice(ctx context.Context, mp *ModelPrice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO model_prices (model_id, input_per_million, output_per_million, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (model_id) DO UPDATE SET
			input_per_million = EXCLUDED.input_per_million,
			output_per_million = EXCLUDED.output_per_million,
			updated_at = NOW()`,
		mp.ModelID, mp.InputPerMillion, mp.OutputPerMillion)
	return err
}

var _ Store = (*PostgresStore)(nil)
