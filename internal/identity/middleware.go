package identity

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentity is the gin context key holding the caller's Identity.
	ContextKeyIdentity = "identity"

	// HeaderToken is accepted when the embedding frame cannot set Authorization.
	HeaderToken = "X-Extractly-Token"

	// HeaderAdminSecret carries the shared secret for the admin surface.
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware verifies the credential when present and stores the identity.
// Requests without a credential continue unauthenticated.
func Middleware(p *Parser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader(HeaderToken))
		}

		if raw != "" {
			if ident, err := p.Parse(raw); err == nil {
				c.Set(ContextKeyIdentity, ident)
			}
		}

		c.Next()
	}
}

// RequireIdentity rejects requests without a user and location.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, _ := FromGin(c)
		if err := ident.Require(); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "identity_missing",
				"message": "A signed CRM session with user and location is required.",
			})
			return
		}
		c.Next()
	}
}

// FromGin returns the request identity, if any.
func FromGin(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	ident, ok := v.(Identity)
	return ident, ok
}

// RequireAdmin guards the administrative surface. With a configured secret
// the X-Admin-Secret header must match it. Without one (development) any
// authenticated agency identity passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			ident, _ := FromGin(c)
			if !ident.IsAuthenticated() || !ident.IsAgency() {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Admin access requires an authenticated agency session.",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader(HeaderAdminSecret)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header is required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}
