package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for a credential that fails verification.
var ErrInvalidCredential = errors.New("identity: invalid or expired credential")

// Claims is the SSO payload the CRM signs for an embedded app session.
type Claims struct {
	UserID     string `json:"ghl_user_id,omitempty"`
	LocationID string `json:"ghl_location_id,omitempty"`
	CompanyID  string `json:"ghl_company_id,omitempty"`
	UserType   string `json:"ghl_user_type,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims, falling back to sub for the user id.
func (c *Claims) Identity() Identity {
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	return New(userID, c.LocationID, c.CompanyID, ParseUserType(c.UserType))
}

// Parser verifies HMAC-signed credentials.
type Parser struct {
	secret []byte
	leeway time.Duration
}

// NewParser creates a parser for the shared secret.
func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret), leeway: 30 * time.Second}
}

// Parse verifies the credential and returns the identity it carries. A valid
// credential without a user id yields an unauthenticated Identity, not an
// error; callers decide via Require.
func (p *Parser) Parse(raw string) (Identity, error) {
	if len(p.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidCredential)
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithLeeway(p.leeway))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}
	return claims.Identity(), nil
}

// Sign issues a credential for ident. Used by local tooling and tests; in
// production the CRM signs credentials.
func (p *Parser) Sign(ident Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:     ident.UserID(),
		LocationID: ident.LocationID(),
		CompanyID:  ident.CompanyID(),
		UserType:   string(ident.UserType()),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UserID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
