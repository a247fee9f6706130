package metering

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/extractly/internal/entitlement"
	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/tenant"
	"github.com/mbd888/extractly/internal/validation"
)

// Handler provides the metered request endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new metering handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require a CRM identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/entitlements/check", h.CheckEntitlement)
	r.POST("/usage/events", h.RecordEvent)
}

// CheckEntitlement handles POST /v1/entitlements/check. Denials are 200
// responses with allowed=false.
func (h *Handler) CheckEntitlement(c *gin.Context) {
	var req struct {
		Capability string `json:"capability" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "capability is required"})
		return
	}

	ident, _ := identity.FromGin(c)
	res, err := h.service.Check(c.Request.Context(), ident, entitlement.Capability(req.Capability))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision":      res.Decision,
		"configuration": tenant.ViewOf(res.Configuration),
		"strategy":      res.Strategy,
		"needsRelink":   res.NeedsLink,
	})
}

type eventRequest struct {
	ModelID       string          `json:"modelId"`
	InputTokens   int64           `json:"inputTokens"`
	OutputTokens  int64           `json:"outputTokens"`
	Messages      *int64          `json:"messages"`
	CallMinutes   decimal.Decimal `json:"callMinutes"`
	UsedCustomKey bool            `json:"usedCustomKey"`
	Success       *bool           `json:"success"`
}

// RecordEvent handles POST /v1/usage/events. Messages defaults to 1 and
// success to true.
func (h *Handler) RecordEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.ModelID != "" && !validation.IsValidModelID(req.ModelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_model_id", "message": "modelId has an invalid format"})
		return
	}

	ev := Event{
		ModelID:       req.ModelID,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		Messages:      1,
		CallMinutes:   req.CallMinutes,
		UsedCustomKey: req.UsedCustomKey,
		Success:       true,
	}
	if req.Messages != nil {
		ev.Messages = *req.Messages
	}
	if req.Success != nil {
		ev.Success = *req.Success
	}

	ident, _ := identity.FromGin(c)
	charge, err := h.service.Record(c.Request.Context(), ident, ev)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if !charge.Billed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"charge": charge})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrIdentityMissing):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity_missing", "message": "an authenticated user and location are required"})
	case errors.Is(err, tenant.ErrConfigurationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "configuration_not_found", "message": "Extractly is not installed for this location."})
	case errors.Is(err, ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("metering request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "metering request failed"})
	}
}
