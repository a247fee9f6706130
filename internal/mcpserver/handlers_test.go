package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/extractly/internal/identity"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:      ts.URL,
		Token:       "crm-token",
		AdminSecret: "admin-secret",
	}
	h := NewHandlers(NewClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

const usageBody = `{
	"locationId": "loc_1",
	"period": "2025-03",
	"planCode": "starter",
	"planSource": "subscription",
	"messagesUsed": 250,
	"messagesIncluded": 1000,
	"messagesRemaining": 750,
	"usagePercentage": 25,
	"limitReached": false,
	"dailyMessagesUsed": 40,
	"dailyCap": {"unlimited": true},
	"dailyCapReached": false,
	"callMinutesUsed": "12.5",
	"callMinutesIncluded": 60,
	"callLimitReached": false,
	"tokensUsed": 48000,
	"costEstimate": "0.0421",
	"customKeyUsed": false
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_BearerToken(t *testing.T) {
	var gotAuth, gotAdmin string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get(identity.HeaderAdminSecret)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok123", AdminSecret: "s3cret"})
	_, err := client.GetUsage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Empty(t, gotAdmin, "identity routes must not carry the admin secret")
}

func TestClient_DoRequest_AdminSecret(t *testing.T) {
	var gotAuth, gotAdmin, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get(identity.HeaderAdminSecret)
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok123", AdminSecret: "s3cret"})
	_, err := client.GetUsage(context.Background(), "loc_9")
	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/locations/loc_9/usage", gotPath)
	assert.Equal(t, "s3cret", gotAdmin)
	assert.Empty(t, gotAuth)
}

func TestClient_AdminCallWithoutSecret(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok"})
	_, err := client.ListPlans(context.Background())
	require.ErrorIs(t, err, ErrAdminSecretMissing)
	assert.False(t, called)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Invalid admin secret",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "bad"})
	_, err := client.ListPlans(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid admin secret")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "k"})
	_, err := client.GetUsage(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", Token: "k"})
	_, err := client.GetUsage(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetUsage(ctx, "")
	require.Error(t, err)
}

func TestClient_ChangePlan_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/admin/locations/loc_1/plan", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "growth", m["planCode"])
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s"})
	_, err := client.ChangePlan(context.Background(), "loc_1", "growth")
	require.NoError(t, err)
}

func TestClient_EstimateCost_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pricing/estimate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "gpt-4o", m["modelId"])
		assert.Equal(t, float64(1200), m["inputTokens"])
		assert.Equal(t, float64(300), m["outputTokens"])
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "k"})
	_, err := client.EstimateCost(context.Background(), "gpt-4o", 1200, 300)
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckEntitlement_Allowed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"capability":"send_message"}`, string(body))
		respond(`{"decision":{"allowed":true,"capability":"send_message","planCode":"starter",` +
			`"limits":{"messagesUsed":10,"messagesIncluded":1000,"dailyMessagesUsed":2,"dailyCap":100},` +
			`"latencyUs":42},"needsRelink":false}`)(w, r)
	}))
	defer cleanup()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(map[string]any{"capability": "send_message"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "ALLOWED: send_message on plan starter")
	assert.Contains(t, text, "10 of 1000 this month")
	assert.Contains(t, text, "2 of 100 today")
}

func TestHandleCheckEntitlement_Denied(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"decision":{"allowed":false,"capability":"use_custom_ai_key",` +
		`"reason":"feature_not_in_plan","message":"Upgrade to use your own AI key","planCode":"free"},` +
		`"needsRelink":true}`))
	defer cleanup()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(map[string]any{"capability": "use_custom_ai_key"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "DENIED: use_custom_ai_key (feature_not_in_plan)")
	assert.Contains(t, text, "Upgrade to use your own AI key")
	assert.Contains(t, text, "re-linked")
}

func TestHandleCheckEntitlement_MissingCapability(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "capability is required")
}

func TestHandleCheckEntitlement_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","message":"missing identity"}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(map[string]any{"capability": "send_message"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "missing identity")
}

func TestHandleGetUsage_OwnLocation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage", r.URL.Path)
		respond(usageBody)(w, r)
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Usage for loc_1 (2025-03, plan starter)")
	assert.Contains(t, text, "Messages: 250 of 1000 (25%)")
	assert.Contains(t, text, "Today: 40 of unlimited")
	assert.Contains(t, text, "Call minutes: 12.5 of 60")
	assert.Contains(t, text, "Tokens: 48000")
	assert.Contains(t, text, "$0.042100")
}

func TestHandleGetUsage_OtherLocation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/locations/loc_1/usage", r.URL.Path)
		assert.Equal(t, "admin-secret", r.Header.Get(identity.HeaderAdminSecret))
		respond(usageBody)(w, r)
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{"location_id": "loc_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestHandleGetUsage_InvalidLocation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{"location_id": "../etc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetUsage_LimitReached(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"locationId":"loc_1","period":"2025-03","planCode":"free",` +
		`"messagesUsed":100,"messagesIncluded":100,"usagePercentage":100,"limitReached":true,` +
		`"dailyMessagesUsed":20,"dailyCap":20,"dailyCapReached":true,"callMinutesUsed":"0",` +
		`"tokensUsed":0,"costEstimate":"0"}`))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "limit reached")
	assert.Contains(t, text, "daily cap reached")
	assert.NotContains(t, text, "Call minutes")
}

func TestHandleListPlans(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"plans":[
		{"code":"free","name":"Free","priceMonthly":"0","messagesIncluded":100,"dailyCapMessages":20,
		 "overagePrice":"0","callMinutesIncluded":0},
		{"code":"pro","name":"Pro","priceMonthly":"99","messagesIncluded":{"unlimited":true},
		 "dailyCapMessages":{"unlimited":true},"overagePrice":"0.01","canUseOwnAiKey":true,
		 "canWhiteLabel":true,"callExtractionRatePerMinute":"0.05","callMinutesIncluded":600}
	],"count":2}`))
	defer cleanup()

	result, err := h.HandleListPlans(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 plan(s)")
	assert.Contains(t, text, "1. Free (free) - $0.00/month")
	assert.Contains(t, text, "2. Pro (pro) - $99.00/month")
	assert.Contains(t, text, "Messages: unlimited/month, unlimited/day")
	assert.Contains(t, text, "own AI key, white label, call extraction")
}

func TestHandleListPlans_Empty(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"plans":[],"count":0}`))
	defer cleanup()

	result, err := h.HandleListPlans(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No plans configured.", resultText(t, result))
}

func TestHandleChangePlan(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"subscription":{"locationId":"loc_1","planCode":"growth",` +
		`"startDate":"2025-03-04T10:00:00Z","isActive":true,"paymentStatus":"active"}}`))
	defer cleanup()

	result, err := h.HandleChangePlan(context.Background(), makeRequest(map[string]any{
		"location_id": "loc_1",
		"plan_code":   "growth",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Location loc_1 is now on plan growth (since 2025-03-04).", resultText(t, result))
}

func TestHandleChangePlan_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing both", nil, "required"},
		{"missing plan", map[string]any{"location_id": "loc_1"}, "required"},
		{"bad location", map[string]any{"location_id": "loc 1", "plan_code": "growth"}, "location_id"},
		{"bad plan", map[string]any{"location_id": "loc_1", "plan_code": "Growth!"}, "plan_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleChangePlan(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleChangePlan_UnknownPlan(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_plan","message":"unknown plan code"}`))
	}))
	defer cleanup()

	result, err := h.HandleChangePlan(context.Background(), makeRequest(map[string]any{
		"location_id": "loc_1",
		"plan_code":   "platinum",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown plan code")
}

func TestHandleEstimateCost(t *testing.T) {
	h, cleanup := newTestSetup(respond(`{"estimate":{"modelId":"mystery-model","pricedAs":"gpt-4o-mini",` +
		`"fallback":true,"inputTokens":1000,"outputTokens":500,"platformCost":"0.000450"},` +
		`"callCost":"0.000000","tokenCost":"0.000450","total":"0.000450"}`))
	defer cleanup()

	result, err := h.HandleEstimateCost(context.Background(), makeRequest(map[string]any{
		"model_id":      "mystery-model",
		"input_tokens":  float64(1000),
		"output_tokens": float64(500),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Estimated cost: $0.000450")
	assert.Contains(t, text, "Model: gpt-4o-mini (requested mystery-model, priced as default)")
	assert.Contains(t, text, "Tokens: 1000 in / 500 out")
}

func TestHandleEstimateCost_NegativeTokens(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleEstimateCost(context.Background(), makeRequest(map[string]any{
		"input_tokens": float64(-5),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "k"}, "test")
	require.NotNil(t, s)

	names := []string{
		ToolCheckEntitlement.Name,
		ToolGetUsage.Name,
		ToolListPlans.Name,
		ToolChangePlan.Name,
		ToolEstimateCost.Name,
	}
	assert.ElementsMatch(t, []string{
		"check_entitlement", "get_usage", "list_plans", "change_plan", "estimate_cost",
	}, names)
}
