package usage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/validation"
)

// Handler provides HTTP endpoints for usage reporting.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new usage handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up routes that require a CRM identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetUsage)
	r.GET("/usage/history", h.GetHistory)
}

// RegisterAdminRoutes sets up the dashboard usage route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/locations/:locationId/usage", validation.CRMIDParamMiddleware("locationId"), h.GetLocationUsage)
}

// GetUsage handles GET /v1/usage
func (h *Handler) GetUsage(c *gin.Context) {
	ident, _ := identity.FromGin(c)
	h.respondLimits(c, ident.LocationID(), ident)
}

// GetLocationUsage handles GET /v1/admin/locations/:locationId/usage.
// Optional userType and companyId query parameters apply the agency view.
func (h *Handler) GetLocationUsage(c *gin.Context) {
	locationID := c.Param("locationId")
	ident := identity.New("", locationID, c.Query("companyId"), identity.ParseUserType(c.Query("userType")))
	h.respondLimits(c, locationID, ident)
}

func (h *Handler) respondLimits(c *gin.Context, locationID string, ident identity.Identity) {
	limits, err := h.ledger.WithLimits(c.Request.Context(), locationID, ident)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage with limits failed", "location_id", locationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, limits)
}

// GetHistory handles GET /v1/usage/history
func (h *Handler) GetHistory(c *gin.Context) {
	ident, _ := identity.FromGin(c)

	limit := 12
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.ledger.History(c.Request.Context(), ident.LocationID(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load usage history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}
