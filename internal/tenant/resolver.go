package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/extractly/internal/idgen"
	"github.com/mbd888/extractly/internal/identity"
)

// Strategy names the cascade step that produced a configuration.
type Strategy string

const (
	StrategyExact            Strategy = "exact"
	StrategyLocation         Strategy = "location"
	StrategyLocationUnlinked Strategy = "location_unlinked"
	StrategyUser             Strategy = "user"
)

// Resolution is the result of a pure read. NeedsLink is set when the row
// belongs to the location but is not linked to the caller.
type Resolution struct {
	Config    *Configuration
	Strategy  Strategy
	NeedsLink bool
}

// LinkOptions controls Link. Reauthorized permits replacing a different
// owner after an explicit re-authorization step (a fresh install flow).
type LinkOptions struct {
	Reauthorized bool
}

// Resolver finds the configuration that owns a location's CRM credentials.
type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// Resolve runs the lookup cascade without writing anything:
// exact (user, location), then the newest linked row for the location,
// then an unlinked row for the location, then the newest row for the user.
func (r *Resolver) Resolve(ctx context.Context, userID, locationID string) (*Resolution, error) {
	if userID == "" && locationID == "" {
		return nil, identity.ErrIdentityMissing
	}

	if userID != "" && locationID != "" {
		cfg, err := r.store.FindExact(ctx, userID, locationID)
		if err == nil {
			return &Resolution{Config: cfg, Strategy: StrategyExact}, nil
		}
		if !errors.Is(err, ErrConfigurationNotFound) {
			return nil, fmt.Errorf("tenant: exact lookup: %w", err)
		}
	}

	if locationID != "" {
		cfg, err := r.store.FindByLocation(ctx, locationID)
		if err == nil {
			return &Resolution{
				Config:    cfg,
				Strategy:  StrategyLocation,
				NeedsLink: userID != "" && !cfg.OwnedBy(userID),
			}, nil
		}
		if !errors.Is(err, ErrConfigurationNotFound) {
			return nil, fmt.Errorf("tenant: location lookup: %w", err)
		}

		cfg, err = r.store.FindUnlinkedByLocation(ctx, locationID)
		if err == nil {
			return &Resolution{
				Config:    cfg,
				Strategy:  StrategyLocationUnlinked,
				NeedsLink: userID != "",
			}, nil
		}
		if !errors.Is(err, ErrConfigurationNotFound) {
			return nil, fmt.Errorf("tenant: unlinked lookup: %w", err)
		}
	}

	if userID != "" {
		cfg, err := r.store.FindByUser(ctx, userID)
		if err == nil {
			return &Resolution{Config: cfg, Strategy: StrategyUser}, nil
		}
		if !errors.Is(err, ErrConfigurationNotFound) {
			return nil, fmt.Errorf("tenant: user lookup: %w", err)
		}
	}

	return nil, ErrConfigurationNotFound
}

// Link sets the configuration owner to userID. Linking the current owner is
// a no-op. A different existing owner is only replaced when opts.Reauthorized.
// Concurrent links of the same user converge on one value.
func (r *Resolver) Link(ctx context.Context, configID, userID string, opts LinkOptions) (*Configuration, error) {
	if userID == "" {
		return nil, identity.ErrIdentityMissing
	}

	for attempt := 0; attempt < 3; attempt++ {
		cfg, err := r.store.Get(ctx, configID)
		if err != nil {
			return nil, err
		}
		if !cfg.IsActive {
			return nil, ErrConfigurationNotFound
		}
		if cfg.OwnedBy(userID) {
			return cfg, nil
		}
		if cfg.Linked() && !opts.Reauthorized {
			return nil, ErrOwnerConflict
		}

		err = r.store.SetUserID(ctx, configID, cfg.UserID, userID)
		if err == nil {
			r.logger.Info("configuration linked",
				"config_id", configID,
				"location_id", cfg.LocationID,
				"user_id", userID,
				"replaced_owner", cfg.Linked(),
			)
			return r.store.Get(ctx, configID)
		}
		if !errors.Is(err, ErrLinkConflict) {
			return nil, fmt.Errorf("tenant: link: %w", err)
		}
		// Owner moved under us; re-read and decide again.
	}
	return nil, ErrLinkConflict
}

// ResolveAndLink resolves and then links the caller to an unlinked row.
// A row owned by someone else is returned untouched.
func (r *Resolver) ResolveAndLink(ctx context.Context, userID, locationID string) (*Resolution, error) {
	res, err := r.Resolve(ctx, userID, locationID)
	if err != nil {
		return nil, err
	}
	if !res.NeedsLink || res.Config.Linked() {
		return res, nil
	}

	cfg, err := r.Link(ctx, res.Config.ID, userID, LinkOptions{})
	if errors.Is(err, ErrOwnerConflict) {
		// Someone else linked first; the row stays theirs.
		r.logger.Warn("configuration claimed concurrently",
			"config_id", res.Config.ID, "location_id", locationID)
		fresh, getErr := r.store.Get(ctx, res.Config.ID)
		if getErr != nil {
			return nil, getErr
		}
		return &Resolution{Config: fresh, Strategy: res.Strategy, NeedsLink: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Resolution{Config: cfg, Strategy: res.Strategy}, nil
}

// InstallRequest carries the data received when a location installs the app.
type InstallRequest struct {
	UserID         string
	LocationID     string
	CompanyID      string
	UserType       identity.UserType
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	BusinessName   string
}

// Install creates the active configuration for a location.
func (r *Resolver) Install(ctx context.Context, req InstallRequest) (*Configuration, error) {
	locationID := strings.TrimSpace(req.LocationID)
	if locationID == "" {
		return nil, fmt.Errorf("%w: location id is required", identity.ErrIdentityMissing)
	}
	if req.UserType == "" {
		req.UserType = identity.UserTypeLocation
	}

	now := r.now().UTC()
	cfg := &Configuration{
		ID:             idgen.WithPrefix("cfg_"),
		UserID:         StringPtr(strings.TrimSpace(req.UserID)),
		LocationID:     locationID,
		CompanyID:      StringPtr(strings.TrimSpace(req.CompanyID)),
		UserType:       req.UserType,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: req.TokenExpiresAt,
		BusinessName:   req.BusinessName,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, cfg); err != nil {
		return nil, err
	}

	r.logger.Info("configuration installed",
		"config_id", cfg.ID, "location_id", cfg.LocationID, "user_type", string(cfg.UserType))
	return cfg, nil
}

// Deactivate soft-deletes a configuration.
func (r *Resolver) Deactivate(ctx context.Context, configID string) error {
	return r.store.Deactivate(ctx, configID)
}
