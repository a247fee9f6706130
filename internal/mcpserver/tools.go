package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Extractly MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckEntitlement = mcp.NewTool("check_entitlement",
	mcp.WithDescription(
		"Check whether the current CRM location may use an Extractly capability right now. "+
			"Returns allowed or the denial reason (quota_exceeded, daily_cap_reached, feature_not_in_plan, call_quota_exceeded) "+
			"with the plan in effect and current usage."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability to check"),
		mcp.Enum("send_message", "use_custom_ai_key", "use_white_label_branding", "extract_call")),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Get this month's usage against plan limits: messages used and included, daily cap, "+
			"call minutes, tokens and estimated platform cost."),
	mcp.WithString("location_id",
		mcp.Description("CRM location to inspect. Omit for the credential's own location; other locations need operator access.")),
)

var ToolListPlans = mcp.NewTool("list_plans",
	mcp.WithDescription(
		"List the Extractly plan catalogue with prices, included messages, daily caps and feature flags. "+
			"Requires operator access."),
)

var ToolChangePlan = mcp.NewTool("change_plan",
	mcp.WithDescription(
		"Move a CRM location to another plan. Takes effect immediately for new entitlement checks. "+
			"Requires operator access."),
	mcp.WithString("location_id",
		mcp.Required(),
		mcp.Description("CRM location id")),
	mcp.WithString("plan_code",
		mcp.Required(),
		mcp.Description("Target plan code (e.g. 'starter', 'growth', 'pro')")),
)

var ToolEstimateCost = mcp.NewTool("estimate_cost",
	mcp.WithDescription(
		"Estimate the platform cost in USD of a completion with the given model and token counts."),
	mcp.WithString("model_id",
		mcp.Description("Model identifier (e.g. 'gpt-4o-mini'). Unknown models are priced as the default model.")),
	mcp.WithNumber("input_tokens",
		mcp.Required(),
		mcp.Description("Prompt tokens")),
	mcp.WithNumber("output_tokens",
		mcp.Description("Completion tokens (default 0)")),
)
