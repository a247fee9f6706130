package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/extractly/internal/entitlement"
	"github.com/mbd888/extractly/internal/plan"
	"github.com/mbd888/extractly/internal/pricing"
	"github.com/mbd888/extractly/internal/usage"
	"github.com/mbd888/extractly/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckEntitlement asks the gate about one capability.
func (h *Handlers) HandleCheckEntitlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}

	raw, err := h.client.CheckEntitlement(ctx, capability)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check entitlement: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUsage returns usage with limits.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locationID := req.GetString("location_id", "")
	if locationID != "" && !validation.IsValidCRMID(locationID) {
		return mcp.NewToolResultError("location_id has an invalid format"), nil
	}

	raw, err := h.client.GetUsage(ctx, locationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	var limits usage.Limits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(formatLimits(&limits)), nil
}

// HandleListPlans lists the catalogue.
func (h *Handlers) HandleListPlans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPlans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list plans: %v", err)), nil
	}

	var resp struct {
		Plans []*plan.Plan `json:"plans"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse plans: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPlans(resp.Plans)), nil
}

// HandleChangePlan moves a location to another plan.
func (h *Handlers) HandleChangePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locationID := req.GetString("location_id", "")
	planCode := req.GetString("plan_code", "")
	if locationID == "" || planCode == "" {
		return mcp.NewToolResultError("location_id and plan_code are required"), nil
	}
	if !validation.IsValidCRMID(locationID) {
		return mcp.NewToolResultError("location_id has an invalid format"), nil
	}
	if !validation.IsValidPlanCode(planCode) {
		return mcp.NewToolResultError("plan_code has an invalid format"), nil
	}

	raw, err := h.client.ChangePlan(ctx, locationID, planCode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to change plan: %v", err)), nil
	}

	var resp struct {
		Subscription plan.Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscription: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Location %s is now on plan %s (since %s).",
		resp.Subscription.LocationID, resp.Subscription.PlanCode,
		resp.Subscription.StartDate.Format("2006-01-02"))), nil
}

// HandleEstimateCost prices a prospective completion.
func (h *Handlers) HandleEstimateCost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	modelID := req.GetString("model_id", "")
	input := int64(req.GetFloat("input_tokens", 0))
	output := int64(req.GetFloat("output_tokens", 0))
	if input < 0 || output < 0 {
		return mcp.NewToolResultError("token counts must not be negative"), nil
	}

	raw, err := h.client.EstimateCost(ctx, modelID, input, output)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to estimate cost: %v", err)), nil
	}

	var resp struct {
		Estimate pricing.Estimate `json:"estimate"`
		Total    string           `json:"total"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse estimate: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Estimated cost: $%s\n", resp.Total)
	fmt.Fprintf(&sb, "  Model: %s", resp.Estimate.PricedAs)
	if resp.Estimate.Fallback {
		fmt.Fprintf(&sb, " (requested %s, priced as default)", resp.Estimate.ModelID)
	}
	fmt.Fprintf(&sb, "\n  Tokens: %d in / %d out\n", resp.Estimate.InputTokens, resp.Estimate.OutputTokens)
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision    entitlement.Decision `json:"decision"`
		NeedsRelink bool                 `json:"needsRelink"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Decision

	var sb strings.Builder
	if d.Allowed {
		fmt.Fprintf(&sb, "ALLOWED: %s on plan %s\n", d.Capability, d.PlanCode)
	} else {
		fmt.Fprintf(&sb, "DENIED: %s (%s)\n", d.Capability, d.Reason)
		if d.Message != "" {
			fmt.Fprintf(&sb, "  %s\n", d.Message)
		}
	}
	if d.Limits != nil {
		fmt.Fprintf(&sb, "  Messages: %d of %s this month, %d of %s today\n",
			d.Limits.MessagesUsed, d.Limits.MessagesIncluded, d.Limits.DailyMessagesUsed, d.Limits.DailyCap)
	}
	if resp.NeedsRelink {
		sb.WriteString("  Note: the configuration belongs to another user and must be re-linked.\n")
	}
	return sb.String(), nil
}

func formatLimits(l *usage.Limits) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s (%s, plan %s):\n", l.LocationID, l.Period, l.PlanCode)
	fmt.Fprintf(&sb, "  Messages: %d of %s (%.0f%%)", l.MessagesUsed, l.MessagesIncluded, l.UsagePercentage)
	if l.LimitReached {
		sb.WriteString(" - limit reached")
	}
	fmt.Fprintf(&sb, "\n  Today: %d of %s", l.DailyMessagesUsed, l.DailyCap)
	if l.DailyCapReached {
		sb.WriteString(" - daily cap reached")
	}
	sb.WriteString("\n")
	if !l.CallMinutesUsed.IsZero() {
		fmt.Fprintf(&sb, "  Call minutes: %s of %s\n", l.CallMinutesUsed.String(), l.CallMinutesIncluded)
	}
	fmt.Fprintf(&sb, "  Tokens: %d | Estimated cost: $%s\n", l.TokensUsed, l.CostEstimate.StringFixed(pricing.Places))
	return sb.String()
}

func formatPlans(plans []*plan.Plan) string {
	if len(plans) == 0 {
		return "No plans configured."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d plan(s):\n\n", len(plans))
	for i, p := range plans {
		fmt.Fprintf(&sb, "%d. %s (%s) - $%s/month\n", i+1, p.Name, p.Code, p.PriceMonthly.StringFixed(2))
		fmt.Fprintf(&sb, "   Messages: %s/month, %s/day | Overage: $%s\n",
			p.MessagesIncluded, p.DailyCapMessages, p.OveragePrice.String())
		var features []string
		if p.CanUseOwnAIKey {
			features = append(features, "own AI key")
		}
		if p.CanWhiteLabel {
			features = append(features, "white label")
		}
		if p.CallsEnabled() {
			features = append(features, "call extraction")
		}
		if len(features) > 0 {
			fmt.Fprintf(&sb, "   Features: %s\n", strings.Join(features, ", "))
		}
		if i < len(plans)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
