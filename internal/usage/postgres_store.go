package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/extractly/internal/retry"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	policy retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	policy := retry.DefaultPolicy()
	policy.Retryable = isConflict
	return &PostgresStore{db: db, policy: policy}
}

// isConflict matches errors that a retry of a commutative upsert resolves:
// serialization failures, deadlocks and the insert race on the unique key.
func isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

const recordColumns = `location_id, period, messages_used, daily_messages_used, daily_date,
	tokens_used, cost_estimate, call_minutes_used, daily_call_minutes_used, custom_key_used,
	created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, locationID string, period Period) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM usage_records
		WHERE location_id = $1 AND period = $2`, locationID, string(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, locationID string, period Period, now time.Time) (*Record, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (location_id, period, daily_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (location_id, period) DO NOTHING`,
		locationID, string(period), DayOf(now), now)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, locationID, period)
}

// Increment is one INSERT ... ON CONFLICT DO UPDATE that adds every counter
// in place. Daily counters restart when day is later than the stored day and
// a late write for an earlier day leaves them alone.
func (p *PostgresStore) Increment(ctx context.Context, locationID string, period Period, day string, d Delta, now time.Time) (*Record, error) {
	var rec *Record
	err := p.policy.Do(ctx, func() error {
		var err error
		rec, err = scanRecord(p.db.QueryRowContext(ctx, `
			INSERT INTO usage_records AS u (`+recordColumns+`)
			VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $7, $8, $9, $9)
			ON CONFLICT (location_id, period) DO UPDATE SET
				messages_used = u.messages_used + EXCLUDED.messages_used,
				tokens_used = u.tokens_used + EXCLUDED.tokens_used,
				cost_estimate = u.cost_estimate + EXCLUDED.cost_estimate,
				call_minutes_used = u.call_minutes_used + EXCLUDED.call_minutes_used,
				custom_key_used = u.custom_key_used OR EXCLUDED.custom_key_used,
				daily_messages_used = CASE
					WHEN EXCLUDED.daily_date > u.daily_date THEN EXCLUDED.daily_messages_used
					WHEN EXCLUDED.daily_date = u.daily_date THEN u.daily_messages_used + EXCLUDED.daily_messages_used
					ELSE u.daily_messages_used END,
				daily_call_minutes_used = CASE
					WHEN EXCLUDED.daily_date > u.daily_date THEN EXCLUDED.daily_call_minutes_used
					WHEN EXCLUDED.daily_date = u.daily_date THEN u.daily_call_minutes_used + EXCLUDED.daily_call_minutes_used
					ELSE u.daily_call_minutes_used END,
				daily_date = GREATEST(u.daily_date, EXCLUDED.daily_date),
				updated_at = EXCLUDED.updated_at
			RETURNING `+recordColumns,
			locationID, string(period), d.Messages, day, d.Tokens,
			d.Cost, d.CallMinutes, d.UsedCustomKey, now,
		))
		return err
	})
	if err != nil {
		if isConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrStorageConflict, err)
		}
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) History(ctx context.Context, locationID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM usage_records
		WHERE location_id = $1
		ORDER BY period DESC
		LIMIT $2`, locationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var period string
	err := row.Scan(&rec.LocationID, &period, &rec.MessagesUsed, &rec.DailyMessagesUsed, &rec.DailyDate,
		&rec.TokensUsed, &rec.CostEstimate, &rec.CallMinutesUsed, &rec.DailyCallMinutesUsed,
		&rec.CustomKeyUsed, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Period = Period(period)
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
