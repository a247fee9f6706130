package tenant

import "context"

// Store persists tenant configurations. Finder methods consider active rows
// only and return ErrConfigurationNotFound when nothing matches.
type Store interface {
	Create(ctx context.Context, cfg *Configuration) error
	Get(ctx context.Context, id string) (*Configuration, error)

	// FindExact matches location and linked user.
	FindExact(ctx context.Context, userID, locationID string) (*Configuration, error)
	// FindByLocation returns the most recently updated row with a linked user.
	FindByLocation(ctx context.Context, locationID string) (*Configuration, error)
	// FindUnlinkedByLocation returns the most recently updated row without a user.
	FindUnlinkedByLocation(ctx context.Context, locationID string) (*Configuration, error)
	// FindByUser returns the most recently updated row linked to userID.
	FindByUser(ctx context.Context, userID string) (*Configuration, error)

	// SetUserID links userID when the stored owner still equals expected
	// (nil meaning unlinked). It returns ErrLinkConflict otherwise.
	SetUserID(ctx context.Context, id string, expected *string, userID string) error
	Deactivate(ctx context.Context, id string) error
}
