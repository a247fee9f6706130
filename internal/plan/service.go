package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/extractly/internal/syncutil"
)

// Service is the administrative surface over the plan store.
type Service struct {
	store    Store
	resolver *Resolver
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a plan service. Plan changes invalidate resolver's cache.
func NewService(store Store, resolver *Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		resolver: resolver,
		locks:    syncutil.NewKeyedMutex(0),
		logger:   logger,
		now:      time.Now,
	}
}

// Resolver returns the resolver the service invalidates.
func (s *Service) Resolver() *Resolver { return s.resolver }

// ListPlans returns the active catalogue in tier order.
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	all, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Plan, 0, len(all))
	for _, p := range all {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

// ChangePlan moves a location to code. An unknown or retired code returns
// ErrInvalidPlanCode and leaves the subscription untouched.
func (s *Service) ChangePlan(ctx context.Context, locationID, code string) (*Subscription, error) {
	if locationID == "" {
		return nil, fmt.Errorf("plan: location id is required")
	}
	p, err := s.store.GetPlan(ctx, code)
	if errors.Is(err, ErrPlanNotFound) || (err == nil && !p.IsActive) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlanCode, code)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, locationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	sub := &Subscription{
		LocationID:    locationID,
		PlanCode:      p.Code,
		StartDate:     now,
		IsActive:      true,
		PaymentStatus: PaymentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	previous := ""
	if existing, err := s.store.GetActiveSubscription(ctx, locationID); err == nil {
		previous = existing.PlanCode
		sub.CreatedAt = existing.CreatedAt
		sub.PaymentStatus = existing.PaymentStatus
		if existing.PlanCode == p.Code {
			sub.StartDate = existing.StartDate
		}
	} else if !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("plan: save subscription: %w", err)
	}
	if s.resolver != nil {
		s.resolver.Invalidate(ctx, locationID)
	}

	s.logger.Info("plan changed", "location_id", locationID, "from", previous, "to", p.Code)
	return sub, nil
}

// EnsureSubscription returns the location's active subscription, creating
// one on the lowest non-agency tier when none exists.
func (s *Service) EnsureSubscription(ctx context.Context, locationID string) (*Subscription, error) {
	sub, err := s.store.GetActiveSubscription(ctx, locationID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}

	plans, err := s.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	code := CodeFree
	for _, p := range plans {
		if !p.IsAgencyPlan() {
			code = p.Code
			break
		}
	}
	if len(plans) == 0 {
		if err := s.store.UpsertPlan(ctx, FreePlan()); err != nil {
			return nil, err
		}
	}
	return s.ChangePlan(ctx, locationID, code)
}

// SetAgencyPermissions stores the agency row. Tier must name an agency plan
// when set.
func (s *Service) SetAgencyPermissions(ctx context.Context, perms *AgencyPermissions) (*AgencyPermissions, error) {
	if perms.AgencyID == "" {
		return nil, fmt.Errorf("plan: agency id is required")
	}
	if perms.Tier != "" {
		p, err := s.store.GetPlan(ctx, perms.Tier)
		if errors.Is(err, ErrPlanNotFound) || (err == nil && !p.IsAgencyPlan()) {
			return nil, fmt.Errorf("%w: %q is not an agency plan", ErrInvalidPlanCode, perms.Tier)
		}
		if err != nil {
			return nil, err
		}
	}
	perms.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertAgencyPermissions(ctx, perms); err != nil {
		return nil, err
	}
	return perms, nil
}

// GetAgency returns the stored permissions and licensed locations.
func (s *Service) GetAgency(ctx context.Context, agencyID string) (*AgencyPermissions, []*LicensedLocation, error) {
	perms, err := s.store.GetAgencyPermissions(ctx, agencyID)
	if err != nil {
		return nil, nil, err
	}
	locs, err := s.store.ListLicensedLocations(ctx, agencyID)
	if err != nil {
		return nil, nil, err
	}
	return perms, locs, nil
}

// LicenseLocation adds a location to an agency, enforcing MaxLocations.
// Re-licensing an already active location is a no-op.
func (s *Service) LicenseLocation(ctx context.Context, agencyID, locationID string) (*LicensedLocation, error) {
	unlock, err := s.locks.LockContext(ctx, "agency:"+agencyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	perms, err := s.store.GetAgencyPermissions(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	locs, err := s.store.ListLicensedLocations(ctx, agencyID)
	if err != nil {
		return nil, err
	}

	var active int64
	for _, l := range locs {
		if l.LocationID == locationID && l.IsActive {
			return l, nil
		}
		if l.IsActive {
			active++
		}
	}
	if perms.MaxLocations.Reached(active) {
		return nil, ErrLicenseLimit
	}

	loc := &LicensedLocation{AgencyID: agencyID, LocationID: locationID, IsActive: true, CreatedAt: s.now().UTC()}
	if err := s.store.LicenseLocation(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// SeedCatalog upserts DefaultCatalog. Existing rows are overwritten.
func (s *Service) SeedCatalog(ctx context.Context) error {
	for _, p := range DefaultCatalog() {
		if err := s.store.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("plan: seed %s: %w", p.Code, err)
		}
	}
	return nil
}
