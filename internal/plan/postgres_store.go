package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists plans and subscriptions in PostgreSQL. Unlimited
// quotas are stored as NULL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `code, name, price_monthly, price_annual, max_users, messages_included,
	daily_cap_messages, overage_price, can_use_own_ai_key, can_white_label,
	call_extraction_rate_per_minute, call_minutes_included, daily_cap_call_minutes,
	call_packages, sort_order, is_active`

func (p *PostgresStore) GetPlan(ctx context.Context, code string) (*Plan, error) {
	pl, err := scanPlan(p.db.QueryRowContext(ctx, `
		SELECT `+planColumns+` FROM subscription_plans WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return pl, err
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM subscription_plans ORDER BY sort_order, code`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*Plan
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, pl)
	}
	return plans, rows.Err()
}

func (p *PostgresStore) UpsertPlan(ctx context.Context, pl *Plan) error {
	packages, err := json.Marshal(pl.CallPackages)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (`+planColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			price_monthly = EXCLUDED.price_monthly,
			price_annual = EXCLUDED.price_annual,
			max_users = EXCLUDED.max_users,
			messages_included = EXCLUDED.messages_included,
			daily_cap_messages = EXCLUDED.daily_cap_messages,
			overage_price = EXCLUDED.overage_price,
			can_use_own_ai_key = EXCLUDED.can_use_own_ai_key,
			can_white_label = EXCLUDED.can_white_label,
			call_extraction_rate_per_minute = EXCLUDED.call_extraction_rate_per_minute,
			call_minutes_included = EXCLUDED.call_minutes_included,
			daily_cap_call_minutes = EXCLUDED.daily_cap_call_minutes,
			call_packages = EXCLUDED.call_packages,
			sort_order = EXCLUDED.sort_order,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		pl.Code, pl.Name, pl.PriceMonthly, pl.PriceAnnual,
		quotaValue(pl.MaxUsers), quotaValue(pl.MessagesIncluded), quotaValue(pl.DailyCapMessages),
		pl.OveragePrice, pl.CanUseOwnAIKey, pl.CanWhiteLabel,
		pl.CallExtractionRatePerMinute, quotaValue(pl.CallMinutesIncluded), quotaValue(pl.DailyCapCallMinutes),
		packages, pl.SortOrder, pl.IsActive,
	)
	return err
}

func (p *PostgresStore) GetActiveSubscription(ctx context.Context, locationID string) (*Subscription, error) {
	sub := &Subscription{}
	var endDate sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT location_id, plan_code, start_date, end_date, is_active, payment_status, created_at, updated_at
		FROM location_subscriptions
		WHERE location_id = $1 AND is_active`, locationID,
	).Scan(&sub.LocationID, &sub.PlanCode, &sub.StartDate, &endDate, &sub.IsActive,
		&sub.PaymentStatus, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		t := endDate.Time
		sub.EndDate = &t
	}
	return sub, nil
}

// UpsertSubscription keys on location_id so a plan change never creates a
// second active row.
func (p *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO location_subscriptions
			(location_id, plan_code, start_date, end_date, is_active, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location_id) DO UPDATE SET
			plan_code = EXCLUDED.plan_code,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			is_active = EXCLUDED.is_active,
			payment_status = EXCLUDED.payment_status,
			updated_at = EXCLUDED.updated_at`,
		sub.LocationID, sub.PlanCode, sub.StartDate, sub.EndDate, sub.IsActive,
		sub.PaymentStatus, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrInvalidPlanCode, sub.PlanCode)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetAgencyPermissions(ctx context.Context, agencyID string) (*AgencyPermissions, error) {
	perms := &AgencyPermissions{}
	var maxLocations sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT agency_id, tier, can_use_own_ai_key, can_customize_branding, max_locations, updated_at
		FROM agency_permissions WHERE agency_id = $1`, agencyID,
	).Scan(&perms.AgencyID, &perms.Tier, &perms.CanUseOwnAIKey, &perms.CanCustomizeBranding,
		&maxLocations, &perms.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgencyNotFound
	}
	if err != nil {
		return nil, err
	}
	perms.MaxLocations = quotaFrom(maxLocations)
	return perms, nil
}

func (p *PostgresStore) UpsertAgencyPermissions(ctx context.Context, perms *AgencyPermissions) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agency_permissions
			(agency_id, tier, can_use_own_ai_key, can_customize_branding, max_locations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agency_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			can_use_own_ai_key = EXCLUDED.can_use_own_ai_key,
			can_customize_branding = EXCLUDED.can_customize_branding,
			max_locations = EXCLUDED.max_locations,
			updated_at = EXCLUDED.updated_at`,
		perms.AgencyID, perms.Tier, perms.CanUseOwnAIKey, perms.CanCustomizeBranding,
		quotaValue(perms.MaxLocations), perms.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) LicenseLocation(ctx context.Context, loc *LicensedLocation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agency_licensed_locations (agency_id, location_id, is_active, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agency_id, location_id) DO UPDATE SET is_active = EXCLUDED.is_active`,
		loc.AgencyID, loc.LocationID, loc.IsActive, loc.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListLicensedLocations(ctx context.Context, agencyID string) ([]*LicensedLocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT agency_id, location_id, is_active, created_at
		FROM agency_licensed_locations WHERE agency_id = $1
		ORDER BY location_id`, agencyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*LicensedLocation
	for rows.Next() {
		l := &LicensedLocation{}
		if err := rows.Scan(&l.AgencyID, &l.LocationID, &l.IsActive, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*Plan, error) {
	pl := &Plan{}
	var (
		maxUsers, included, dailyCap, callIncluded, callDailyCap sql.NullInt64
		packages                                                 []byte
	)
	err := row.Scan(&pl.Code, &pl.Name, &pl.PriceMonthly, &pl.PriceAnnual,
		&maxUsers, &included, &dailyCap, &pl.OveragePrice, &pl.CanUseOwnAIKey, &pl.CanWhiteLabel,
		&pl.CallExtractionRatePerMinute, &callIncluded, &callDailyCap,
		&packages, &pl.SortOrder, &pl.IsActive)
	if err != nil {
		return nil, err
	}
	pl.MaxUsers = quotaFrom(maxUsers)
	pl.MessagesIncluded = quotaFrom(included)
	pl.DailyCapMessages = quotaFrom(dailyCap)
	pl.CallMinutesIncluded = quotaFrom(callIncluded)
	pl.DailyCapCallMinutes = quotaFrom(callDailyCap)
	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &pl.CallPackages); err != nil {
			return nil, fmt.Errorf("plan: decode call packages for %s: %w", pl.Code, err)
		}
	}
	return pl, nil
}

func quotaValue(q Quota) any {
	if n, ok := q.Limit(); ok {
		return n
	}
	return nil
}

func quotaFrom(n sql.NullInt64) Quota {
	if !n.Valid {
		return Unlimited()
	}
	return Bounded(n.Int64)
}

var _ Store = (*PostgresStore)(nil)
