// Package tenant stores the per-location CRM configuration and resolves which
// configuration serves an incoming (user, location) pair.
package tenant

import (
	"errors"
	"time"

	"github.com/mbd888/extractly/internal/identity"
)

// Errors
var (
	ErrConfigurationNotFound = errors.New("tenant: configuration not found")
	ErrLocationTaken         = errors.New("tenant: location already has an active configuration")
	ErrOwnerConflict         = errors.New("tenant: configuration is linked to a different user")
	ErrLinkConflict          = errors.New("tenant: configuration owner changed concurrently")
)

// Configuration is the tenant configuration that owns a location's CRM
// credentials. UserID stays nil until the first authenticated access links it.
type Configuration struct {
	ID             string            `json:"id"`
	UserID         *string           `json:"userId"`
	LocationID     string            `json:"locationId"`
	CompanyID      *string           `json:"companyId,omitempty"`
	UserType       identity.UserType `json:"userType"`
	AccessToken    string            `json:"-"`
	RefreshToken   string            `json:"-"`
	TokenExpiresAt *time.Time        `json:"tokenExpiresAt,omitempty"`
	BusinessName   string            `json:"businessName,omitempty"`
	IsActive       bool              `json:"isActive"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Linked reports whether a user owns the configuration.
func (c *Configuration) Linked() bool { return c.UserID != nil && *c.UserID != "" }

// OwnedBy reports whether userID is the linked owner.
func (c *Configuration) OwnedBy(userID string) bool {
	return c.Linked() && *c.UserID == userID
}

// HasCredentials reports whether CRM tokens are stored.
func (c *Configuration) HasCredentials() bool { return c.AccessToken != "" }

// clone returns a deep copy so callers never share pointers with a store.
func (c *Configuration) clone() *Configuration {
	cp := *c
	if c.UserID != nil {
		u := *c.UserID
		cp.UserID = &u
	}
	if c.CompanyID != nil {
		co := *c.CompanyID
		cp.CompanyID = &co
	}
	if c.TokenExpiresAt != nil {
		ts := *c.TokenExpiresAt
		cp.TokenExpiresAt = &ts
	}
	return &cp
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
