package plan

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/validation"
)

// Handler provides HTTP endpoints for plans and subscriptions.
type Handler struct {
	service *Service
}

// NewHandler creates a new plan handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up catalogue and subscription management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.PUT("/locations/:locationId/plan", validation.CRMIDParamMiddleware("locationId"), h.ChangePlan)

	agencies := r.Group("/agencies/:agencyId", validation.CRMIDParamMiddleware("agencyId"))
	agencies.GET("", h.GetAgency)
	agencies.PUT("/permissions", h.SetAgencyPermissions)
	agencies.POST("/locations", h.LicenseLocation)
}

// RegisterProtectedRoutes sets up routes that require a CRM identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/plan", h.GetEffectivePlan)
}

// GetEffectivePlan handles GET /v1/plan
func (h *Handler) GetEffectivePlan(c *gin.Context) {
	ident, _ := identity.FromGin(c)
	eff, err := h.service.Resolver().Resolve(c.Request.Context(), ident.LocationID(), ident.UserType(), ident.CompanyID())
	if err != nil {
		logging.L(c.Request.Context()).Error("resolve plan failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to resolve plan"})
		return
	}
	c.JSON(http.StatusOK, eff)
}

// ListPlans handles GET /v1/admin/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// ChangePlan handles PUT /v1/admin/locations/:locationId/plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req struct {
		PlanCode string `json:"planCode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "planCode is required"})
		return
	}

	sub, err := h.service.ChangePlan(c.Request.Context(), c.Param("locationId"), req.PlanCode)
	if err != nil {
		if errors.Is(err, ErrInvalidPlanCode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan_code", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("change plan failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to change plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetAgency handles GET /v1/admin/agencies/:agencyId
func (h *Handler) GetAgency(c *gin.Context) {
	perms, locs, err := h.service.GetAgency(c.Request.Context(), c.Param("agencyId"))
	if err != nil {
		if errors.Is(err, ErrAgencyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agency not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load agency"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms, "locations": locs})
}

// SetAgencyPermissions handles PUT /v1/admin/agencies/:agencyId/permissions
func (h *Handler) SetAgencyPermissions(c *gin.Context) {
	var req struct {
		Tier                 string `json:"tier"`
		CanUseOwnAIKey       bool   `json:"canUseOwnAiKey"`
		CanCustomizeBranding bool   `json:"canCustomizeBranding"`
		MaxLocations         *Quota `json:"maxLocations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	maxLocations := Unlimited()
	if req.MaxLocations != nil {
		maxLocations = *req.MaxLocations
	}
	perms, err := h.service.SetAgencyPermissions(c.Request.Context(), &AgencyPermissions{
		AgencyID:             c.Param("agencyId"),
		Tier:                 req.Tier,
		CanUseOwnAIKey:       req.CanUseOwnAIKey,
		CanCustomizeBranding: req.CanCustomizeBranding,
		MaxLocations:         maxLocations,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidPlanCode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan_code", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save agency permissions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}

// LicenseLocation handles POST /v1/admin/agencies/:agencyId/locations
func (h *Handler) LicenseLocation(c *gin.Context) {
	var req struct {
		LocationID string `json:"locationId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidCRMID(req.LocationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "a valid locationId is required"})
		return
	}

	loc, err := h.service.LicenseLocation(c.Request.Context(), c.Param("agencyId"), req.LocationID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgencyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agency not found"})
		case errors.Is(err, ErrLicenseLimit):
			c.JSON(http.StatusConflict, gin.H{"error": "license_limit_reached", "message": "agency has no free location licenses"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to license location"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"location": loc})
}
