package tenant

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/validation"
)

// Handler provides HTTP endpoints for tenant configurations.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new tenant handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterAdminRoutes sets up the install/deactivate routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/configurations", h.Install)
	r.DELETE("/configurations/:id", h.Deactivate)
}

// RegisterProtectedRoutes sets up routes that require a CRM identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/configuration", h.GetConfiguration)
}

// View is the public shape of a configuration. CRM tokens never
// leave the service.
type View struct {
	ID             string            `json:"id"`
	LocationID     string            `json:"locationId"`
	CompanyID      *string           `json:"companyId,omitempty"`
	UserType       identity.UserType `json:"userType"`
	Linked         bool              `json:"linked"`
	HasCredentials bool              `json:"hasCredentials"`
	TokenExpiresAt *time.Time        `json:"tokenExpiresAt,omitempty"`
	BusinessName   string            `json:"businessName,omitempty"`
	IsActive       bool              `json:"isActive"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// ViewOf redacts cfg for responses.
func ViewOf(cfg *Configuration) View {
	return View{
		ID:             cfg.ID,
		LocationID:     cfg.LocationID,
		CompanyID:      cfg.CompanyID,
		UserType:       cfg.UserType,
		Linked:         cfg.Linked(),
		HasCredentials: cfg.HasCredentials(),
		TokenExpiresAt: cfg.TokenExpiresAt,
		BusinessName:   cfg.BusinessName,
		IsActive:       cfg.IsActive,
		UpdatedAt:      cfg.UpdatedAt,
	}
}

// GetConfiguration handles GET /v1/configuration
func (h *Handler) GetConfiguration(c *gin.Context) {
	ident, _ := identity.FromGin(c)
	ctx := c.Request.Context()

	res, err := h.resolver.ResolveAndLink(ctx, ident.UserID(), ident.LocationID())
	if err != nil {
		if errors.Is(err, ErrConfigurationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "configuration_not_found",
				"message": "Extractly is not installed for this location.",
			})
			return
		}
		logging.L(ctx).Error("resolve configuration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to resolve configuration"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"configuration": ViewOf(res.Config),
		"strategy":      res.Strategy,
		"needsRelink":   res.NeedsLink,
	})
}

// Install handles POST /v1/admin/configurations
func (h *Handler) Install(c *gin.Context) {
	var req struct {
		UserID         string     `json:"userId"`
		LocationID     string     `json:"locationId" binding:"required"`
		CompanyID      string     `json:"companyId"`
		UserType       string     `json:"userType"`
		AccessToken    string     `json:"accessToken"`
		RefreshToken   string     `json:"refreshToken"`
		TokenExpiresAt *time.Time `json:"tokenExpiresAt"`
		BusinessName   string     `json:"businessName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "locationId is required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidCRMID("locationId", req.LocationID),
		validation.ValidCRMID("userId", req.UserID),
		validation.ValidCRMID("companyId", req.CompanyID),
		validation.MaxLength("businessName", req.BusinessName, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	cfg, err := h.resolver.Install(c.Request.Context(), InstallRequest{
		UserID:         req.UserID,
		LocationID:     req.LocationID,
		CompanyID:      req.CompanyID,
		UserType:       identity.ParseUserType(req.UserType),
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: req.TokenExpiresAt,
		BusinessName:   validation.SanitizeString(req.BusinessName, 200),
	})
	if err != nil {
		if errors.Is(err, ErrLocationTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "location_taken", "message": "location already has an active configuration"})
			return
		}
		logging.L(c.Request.Context()).Error("install configuration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to install configuration"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"configuration": ViewOf(cfg)})
}

// Deactivate handles DELETE /v1/admin/configurations/:id
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.resolver.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrConfigurationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "configuration not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to deactivate configuration"})
		return
	}
	c.Status(http.StatusNoContent)
}
