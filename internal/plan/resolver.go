package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/extractly/internal/identity"
)

// Source explains where an effective plan came from.
type Source string

const (
	SourceAgencyOverride Source = "agency_override"
	SourceSubscription   Source = "subscription"
	SourceDefault        Source = "default"
)

// Effective is the plan actually applied to a request.
type Effective struct {
	Plan         *Plan         `json:"plan"`
	Source       Source        `json:"source"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

func (e *Effective) clone() *Effective {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Plan != nil {
		cp.Plan = e.Plan.Clone()
	}
	if e.Subscription != nil {
		sub := *e.Subscription
		cp.Subscription = &sub
	}
	return &cp
}

// Resolver computes the effective plan for a location.
type Resolver struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. A nil cache disables caching.
func NewResolver(store Store, cache Cache, ttl time.Duration, logger *slog.Logger) *Resolver {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, ttl: ttl, logger: logger, now: time.Now}
}

// Resolve returns the effective plan. Agency callers always get an agency
// plan with both feature flags on, even with no stored rows at all.
// Otherwise the active subscription applies, falling back to the free plan.
func (r *Resolver) Resolve(ctx context.Context, locationID string, userType identity.UserType, companyID string) (*Effective, error) {
	if locationID == "" {
		return nil, identity.ErrIdentityMissing
	}

	loc, err := r.locationPlan(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if userType != identity.UserTypeAgency {
		return loc, nil
	}
	return r.agencyPlan(ctx, loc, companyID), nil
}

// Invalidate drops the cached plan for a location.
func (r *Resolver) Invalidate(ctx context.Context, locationID string) {
	r.cache.Delete(ctx, locationID)
}

// locationPlan resolves the stored subscription path and caches it. The
// agency override is applied on top so a cache entry never depends on the
// caller's identity.
func (r *Resolver) locationPlan(ctx context.Context, locationID string) (*Effective, error) {
	if eff, ok := r.cache.Get(ctx, locationID); ok {
		return eff, nil
	}

	eff, err := r.lookupLocationPlan(ctx, locationID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, locationID, eff, r.ttl)
	return eff, nil
}

func (r *Resolver) lookupLocationPlan(ctx context.Context, locationID string) (*Effective, error) {
	sub, err := r.store.GetActiveSubscription(ctx, locationID)
	switch {
	case err == nil && sub.ActiveAt(r.now()):
		p, perr := r.store.GetPlan(ctx, sub.PlanCode)
		if perr == nil {
			return &Effective{Plan: p, Source: SourceSubscription, Subscription: sub}, nil
		}
		if !errors.Is(perr, ErrPlanNotFound) {
			return nil, fmt.Errorf("plan: load %s: %w", sub.PlanCode, perr)
		}
		r.logger.Warn("subscription references missing plan; using default",
			"location_id", locationID, "plan_code", sub.PlanCode)
	case err == nil, errors.Is(err, ErrNoSubscription):
	default:
		return nil, fmt.Errorf("plan: load subscription: %w", err)
	}

	free, err := r.defaultPlan(ctx)
	if err != nil {
		return nil, err
	}
	return &Effective{Plan: free, Source: SourceDefault}, nil
}

func (r *Resolver) defaultPlan(ctx context.Context) (*Plan, error) {
	p, err := r.store.GetPlan(ctx, CodeFree)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, ErrPlanNotFound) {
		return FreePlan(), nil
	}
	return nil, fmt.Errorf("plan: load default plan: %w", err)
}

// agencyPlan never fails. Lookup errors degrade to the synthesized plan.
func (r *Resolver) agencyPlan(ctx context.Context, loc *Effective, companyID string) *Effective {
	var p *Plan
	if loc.Source == SourceSubscription && loc.Plan.IsAgencyPlan() {
		p = loc.Plan.Clone()
	}

	if p == nil && companyID != "" {
		perms, err := r.store.GetAgencyPermissions(ctx, companyID)
		if err == nil && perms.Tier != "" {
			if tier, terr := r.store.GetPlan(ctx, perms.Tier); terr == nil && tier.IsAgencyPlan() {
				p = tier
			}
		} else if err != nil && !errors.Is(err, ErrAgencyNotFound) {
			r.logger.Warn("agency permissions lookup failed", "agency_id", companyID, "error", err)
		}
	}

	if p == nil {
		stored, err := r.store.GetPlan(ctx, CodeAgency)
		switch {
		case err == nil:
			p = stored
		case errors.Is(err, ErrPlanNotFound):
			p = AgencyPlan()
		default:
			r.logger.Warn("agency plan lookup failed; using built-in", "error", err)
			p = AgencyPlan()
		}
	}

	p.CanUseOwnAIKey = true
	p.CanWhiteLabel = true
	p.MaxUsers = Unlimited()
	p.MessagesIncluded = Unlimited()
	p.DailyCapMessages = Unlimited()

	eff := &Effective{Plan: p, Source: SourceAgencyOverride}
	if loc.Subscription != nil {
		sub := *loc.Subscription
		eff.Subscription = &sub
	}
	return eff
}
