package plan

import "context"

// Store persists the catalogue, subscriptions and agency entitlements.
type Store interface {
	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	UpsertPlan(ctx context.Context, p *Plan) error

	// GetActiveSubscription returns ErrNoSubscription when the location has
	// no active row.
	GetActiveSubscription(ctx context.Context, locationID string) (*Subscription, error)
	// UpsertSubscription writes the single row keyed on location.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	GetAgencyPermissions(ctx context.Context, agencyID string) (*AgencyPermissions, error)
	UpsertAgencyPermissions(ctx context.Context, perms *AgencyPermissions) error
	LicenseLocation(ctx context.Context, loc *LicensedLocation) error
	ListLicensedLocations(ctx context.Context, agencyID string) ([]*LicensedLocation, error)
}
