// Package identity derives the caller's tenant identity from the CRM's signed
// SSO credential.
//
// The identity is passed explicitly to every resolver and gate call. Nothing
// in the engine looks up a "current" agency or plan from request-scoped state.
package identity

import (
	"errors"
	"strings"
)

// ErrIdentityMissing means no authenticated user/location could be derived.
// Operations that need a tenant fail closed on it.
var ErrIdentityMissing = errors.New("identity: no authenticated identity")

// UserType distinguishes single-location tenants from agencies.
type UserType string

const (
	UserTypeLocation UserType = "location"
	UserTypeAgency   UserType = "agency"
)

// ParseUserType normalizes a claim value; anything unrecognized is a location.
func ParseUserType(s string) UserType {
	if strings.EqualFold(strings.TrimSpace(s), string(UserTypeAgency)) {
		return UserTypeAgency
	}
	return UserTypeLocation
}

// Identity is the {user, location, company, userType} tuple of a request.
type Identity struct {
	userID     string
	locationID string
	companyID  string
	userType   UserType
}

// New builds an Identity. An empty userType defaults to location.
func New(userID, locationID, companyID string, userType UserType) Identity {
	if userType == "" {
		userType = UserTypeLocation
	}
	return Identity{
		userID:     strings.TrimSpace(userID),
		locationID: strings.TrimSpace(locationID),
		companyID:  strings.TrimSpace(companyID),
		userType:   userType,
	}
}

func (i Identity) UserID() string     { return i.userID }
func (i Identity) LocationID() string { return i.locationID }
func (i Identity) CompanyID() string  { return i.companyID }

// UserType returns the tenant class, defaulting to location.
func (i Identity) UserType() UserType {
	if i.userType == "" {
		return UserTypeLocation
	}
	return i.userType
}

// IsAuthenticated is true iff a user id claim was present.
func (i Identity) IsAuthenticated() bool { return i.userID != "" }

// IsAgency reports whether the caller is an agency user.
func (i Identity) IsAgency() bool { return i.UserType() == UserTypeAgency }

// Require returns ErrIdentityMissing unless both user and location are known.
func (i Identity) Require() error {
	if !i.IsAuthenticated() || i.locationID == "" {
		return ErrIdentityMissing
	}
	return nil
}

// WithLocation returns a copy scoped to another location. Agencies use this
// when acting on one of their licensed sub-accounts.
func (i Identity) WithLocation(locationID string) Identity {
	i.locationID = strings.TrimSpace(locationID)
	return i
}
