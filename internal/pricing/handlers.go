package pricing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/validation"
)

// Handler provides HTTP endpoints for cost estimates and the price table.
type Handler struct {
	calc  *Calculator
	store Store
}

// NewHandler creates a new pricing handler.
func NewHandler(calc *Calculator, store Store) *Handler {
	return &Handler{calc: calc, store: store}
}

// RegisterProtectedRoutes sets up routes that require a CRM identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/pricing/estimate", h.Estimate)
}

// RegisterAdminRoutes sets up price table management.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListPrices)
	r.PUT("/models/:modelId", h.UpsertPrice)
}

type estimateRequest struct {
	ModelID       string          `json:"modelId"`
	InputTokens   int64           `json:"inputTokens"`
	OutputTokens  int64           `json:"outputTokens"`
	CallMinutes   decimal.Decimal `json:"callMinutes"`
	RatePerMinute decimal.Decimal `json:"ratePerMinute"`
}

// Estimate handles POST /v1/pricing/estimate
func (h *Handler) Estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.NonNegative("inputTokens", req.InputTokens),
		validation.NonNegative("outputTokens", req.OutputTokens),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}
	if req.CallMinutes.IsNegative() || req.RatePerMinute.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "callMinutes and ratePerMinute must not be negative"})
		return
	}
	if req.ModelID != "" && !validation.IsValidModelID(req.ModelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_model_id", "message": "modelId has an invalid format"})
		return
	}

	est := h.calc.EstimateTokens(c.Request.Context(), req.ModelID, req.InputTokens, req.OutputTokens)
	call := h.calc.EstimateCall(req.CallMinutes, req.RatePerMinute)
	c.JSON(http.StatusOK, gin.H{
		"estimate":  est,
		"callCost":  call.StringFixed(Places),
		"tokenCost": est.PlatformCost.StringFixed(Places),
		"total":     Round(est.PlatformCost.Add(call)).StringFixed(Places),
	})
}

// ListPrices handles GET /v1/admin/models
func (h *Handler) ListPrices(c *gin.Context) {
	prices, err := h.store.ListPrices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list model prices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": prices, "count": len(prices), "defaultModel": h.calc.DefaultModel()})
}

// UpsertPrice handles PUT /v1/admin/models/:modelId
func (h *Handler) UpsertPrice(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("modelId"))
	if !validation.IsValidModelID(modelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_model_id", "message": "modelId has an invalid format"})
		return
	}

	var req struct {
		InputPerMillion  decimal.Decimal `json:"inputPerMillion"`
		OutputPerMillion decimal.Decimal `json:"outputPerMillion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	mp := &ModelPrice{
		ModelID:          modelID,
		InputPerMillion:  req.InputPerMillion,
		OutputPerMillion: req.OutputPerMillion,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := mp.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err := h.store.UpsertPrice(c.Request.Context(), mp); err != nil {
		logging.L(c.Request.Context()).Error("upsert model price failed", "model", modelID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save model price"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": mp})
}

