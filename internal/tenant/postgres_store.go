package tenant

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/extractly/internal/identity"
)

// PostgresStore persists tenant configurations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed configuration store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const configColumns = `id, user_id, location_id, company_id, user_type, access_token,
	refresh_token, token_expires_at, business_name, is_active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, cfg *Configuration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_configurations (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cfg.ID, cfg.UserID, cfg.LocationID, cfg.CompanyID, string(cfg.UserType),
		cfg.AccessToken, cfg.RefreshToken, cfg.TokenExpiresAt, cfg.BusinessName,
		cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrLocationTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Configuration, error) {
	return scanConfiguration(p.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM tenant_configurations WHERE id = $1`, id))
}

func (p *PostgresStore) FindExact(ctx context.Context, userID, locationID string) (*Configuration, error) {
	return scanConfiguration(p.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM tenant_configurations
		WHERE is_active AND location_id = $1 AND user_id = $2
		ORDER BY updated_at DESC, id DESC LIMIT 1`, locationID, userID))
}

func (p *PostgresStore) FindByLocation(ctx context.Context, locationID string) (*Configuration, error) {
	return scanConfiguration(p.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM tenant_configurations
		WHERE is_active AND location_id = $1 AND user_id IS NOT NULL AND user_id <> ''
		ORDER BY updated_at DESC, id DESC LIMIT 1`, locationID))
}

func (p *PostgresStore) FindUnlinkedByLocation(ctx context.Context, locationID string) (*Configuration, error) {
	return scanConfiguration(p.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM tenant_configurations
		WHERE is_active AND location_id = $1 AND (user_id IS NULL OR user_id = '')
		ORDER BY updated_at DESC, id DESC LIMIT 1`, locationID))
}

func (p *PostgresStore) FindByUser(ctx context.Context, userID string) (*Configuration, error) {
	return scanConfiguration(p.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM tenant_configurations
		WHERE is_active AND user_id = $1
		ORDER BY updated_at DESC, id DESC LIMIT 1`, userID))
}

// SetUserID is a single conditional UPDATE. A second writer that already
// linked the same user matches the first branch and changes nothing.
func (p *PostgresStore) SetUserID(ctx context.Context, id string, expected *string, userID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenant_configurations
		SET user_id = $3,
		    updated_at = CASE WHEN user_id IS NOT DISTINCT FROM $3 THEN updated_at ELSE NOW() END
		WHERE id = $1 AND is_active AND user_id IS NOT DISTINCT FROM $2`,
		id, expected, userID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	// Distinguish a missing row from a lost race.
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrLinkConflict
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenant_configurations SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConfigurationNotFound
	}
	return nil
}

func scanConfiguration(row *sql.Row) (*Configuration, error) {
	cfg := &Configuration{}
	var (
		userID, companyID sql.NullString
		userType          string
		expiresAt         sql.NullTime
	)
	err := row.Scan(&cfg.ID, &userID, &cfg.LocationID, &companyID, &userType,
		&cfg.AccessToken, &cfg.RefreshToken, &expiresAt, &cfg.BusinessName,
		&cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigurationNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		cfg.UserID = StringPtr(userID.String)
	}
	if companyID.Valid {
		cfg.CompanyID = StringPtr(companyID.String)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		cfg.TokenExpiresAt = &t
	}
	cfg.UserType = identity.ParseUserType(userType)
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

var _ Store = (*PostgresStore)(nil)
