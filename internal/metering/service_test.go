package metering

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/extractly/internal/entitlement"
	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/plan"
	"github.com/mbd888/extractly/internal/pricing"
	"github.com/mbd888/extractly/internal/tenant"
	"github.com/mbd888/extractly/internal/usage"
)

const testSecret = "metering-test-secret-metering-test"

type env struct {
	svc     *Service
	configs *tenant.Resolver
	plans   *plan.Service
	ledger  *usage.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	planStore := plan.NewSeededMemoryStore()
	planResolver := plan.NewResolver(planStore, nil, 0, nil)
	ledger := usage.NewLedger(usage.NewMemoryStore(), planResolver, nil)
	configs := tenant.NewResolver(tenant.NewMemoryStore(), nil)

	svc := NewService(configs, planResolver, entitlement.NewGate(ledger, nil), ledger,
		pricing.NewCalculator(pricing.NewSeededMemoryStore(), "", nil), nil)
	return &env{
		svc:     svc,
		configs: configs,
		plans:   plan.NewService(planStore, planResolver, nil),
		ledger:  ledger,
	}
}

func (e *env) install(t *testing.T, userID, loc string) *tenant.Configuration {
	t.Helper()
	cfg, err := e.configs.Install(context.Background(), tenant.InstallRequest{
		UserID: userID, LocationID: loc, AccessToken: "at", RefreshToken: "rt",
	})
	require.NoError(t, err)
	return cfg
}

func (e *env) subscribe(t *testing.T, loc, code string) {
	t.Helper()
	_, err := e.plans.ChangePlan(context.Background(), loc, code)
	require.NoError(t, err)
}

func user(loc string) identity.Identity {
	return identity.New("u1", loc, "", identity.UserTypeLocation)
}

func TestCheck_LinksUnlinkedConfiguration(t *testing.T) {
	e := newEnv(t)
	cfg := e.install(t, "", "loc1")

	res, err := e.svc.Check(context.Background(), user("loc1"), entitlement.CapSendMessage)
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, cfg.ID, res.Configuration.ID)
	require.NotNil(t, res.Configuration.UserID)
	assert.Equal(t, "u1", *res.Configuration.UserID)
	assert.False(t, res.NeedsLink)
}

func TestCheck_NotInstalled(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Check(context.Background(), user("nowhere"), entitlement.CapSendMessage)
	assert.ErrorIs(t, err, tenant.ErrConfigurationNotFound)
}

func TestCheck_IdentityMissing(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Check(context.Background(), identity.New("", "loc1", "", ""), entitlement.CapSendMessage)
	assert.ErrorIs(t, err, identity.ErrIdentityMissing)
}

func TestCheck_QuotaExceededIsADecision(t *testing.T) {
	e := newEnv(t)
	e.install(t, "u1", "L1")
	e.subscribe(t, "L1", plan.CodeStarter)
	_, err := e.ledger.Increment(context.Background(), "L1", e.ledger.CurrentPeriod(), usage.Delta{Messages: 500})
	require.NoError(t, err)

	res, err := e.svc.Check(context.Background(), user("L1"), entitlement.CapSendMessage)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, entitlement.ReasonQuotaExceeded, res.Decision.Reason)
	assert.Equal(t, "at", res.Configuration.AccessToken)
}

func TestRecord_PricesAndIncrements(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, "L1", plan.CodeStarter)

	charge, err := e.svc.Record(context.Background(), user("L1"), Event{
		ModelID: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 500, Messages: 1, Success: true,
	})
	require.NoError(t, err)
	assert.True(t, charge.Billed)
	assert.Equal(t, plan.CodeStarter, charge.PlanCode)
	assert.Equal(t, "0.000450", charge.PlatformCost.StringFixed(pricing.Places))
	assert.True(t, charge.CustomerCost.IsZero())
	assert.Equal(t, int64(1), charge.Record.MessagesUsed)
	assert.Equal(t, int64(1500), charge.Record.TokensUsed)
	assert.True(t, charge.Record.CostEstimate.Equal(decimal.RequireFromString("0.00045")))
}

func TestRecord_OverageBilledAboveQuota(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, "L1", plan.CodeStarter)
	_, err := e.ledger.Increment(context.Background(), "L1", e.ledger.CurrentPeriod(), usage.Delta{Messages: 499})
	require.NoError(t, err)

	charge, err := e.svc.Record(context.Background(), user("L1"), Event{Messages: 3, Success: true})
	require.NoError(t, err)
	assert.True(t, charge.CustomerCost.Equal(decimal.RequireFromString("0.1")), charge.CustomerCost.String())

	charge, err = e.svc.Record(context.Background(), user("L1"), Event{Messages: 1, Success: true, UsedCustomKey: true})
	require.NoError(t, err)
	assert.True(t, charge.CustomerCost.IsZero())
	assert.True(t, charge.Record.CustomKeyUsed)
}

func TestRecord_AgencyNeverBilled(t *testing.T) {
	e := newEnv(t)
	agency := identity.New("u1", "L2", "comp1", identity.UserTypeAgency)

	charge, err := e.svc.Record(context.Background(), agency, Event{Messages: 5000, Success: true})
	require.NoError(t, err)
	assert.Equal(t, plan.CodeAgency, charge.PlanCode)
	assert.True(t, charge.CustomerCost.IsZero())
}

func TestRecord_CallMinutesUsePlanRate(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, "G1", plan.CodeGrowth)

	charge, err := e.svc.Record(context.Background(), user("G1"), Event{
		Messages: 0, CallMinutes: decimal.RequireFromString("12.5"), Success: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.250000", charge.CallCost.StringFixed(pricing.Places))
	assert.True(t, charge.Record.CallMinutesUsed.Equal(decimal.RequireFromString("12.5")))
}

func TestRecord_FailedEventNotBilled(t *testing.T) {
	e := newEnv(t)

	charge, err := e.svc.Record(context.Background(), user("L1"), Event{Messages: 1, InputTokens: 100})
	require.NoError(t, err)
	assert.False(t, charge.Billed)

	limits, err := e.ledger.WithLimits(context.Background(), "L1", user("L1"))
	require.NoError(t, err)
	assert.Zero(t, limits.MessagesUsed)
}

func TestRecord_RejectsNegative(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Record(context.Background(), user("L1"), Event{InputTokens: -1, Success: true})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestRecord_ConcurrentEventsSumExactly(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, "L1", plan.CodePro)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Record(context.Background(), user("L1"), Event{Messages: 2, InputTokens: 10, Success: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	limits, err := e.ledger.WithLimits(context.Background(), "L1", user("L1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2*n), limits.MessagesUsed)
	assert.Equal(t, int64(10*n), limits.TokensUsed)
}

func setupRouter(t *testing.T) (*gin.Engine, *env, *identity.Parser) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := newEnv(t)
	parser := identity.NewParser(testSecret)

	r := gin.New()
	protected := r.Group("/v1")
	protected.Use(identity.Middleware(parser), identity.RequireIdentity())
	NewHandler(e.svc).RegisterProtectedRoutes(protected)
	return r, e, parser
}

func authed(t *testing.T, parser *identity.Parser, method, path, body string) *http.Request {
	t.Helper()
	token, err := parser.Sign(user("loc1"), time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandler_CheckEntitlement(t *testing.T) {
	r, e, parser := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/entitlements/check", `{"capability":"send_message"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "configuration_not_found")

	e.install(t, "", "loc1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/entitlements/check", `{"capability":"use_white_label_branding"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), `"rt"`)

	var resp struct {
		Decision entitlement.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Decision.Allowed)
	assert.Equal(t, entitlement.ReasonFeatureNotInPlan, resp.Decision.Reason)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/entitlements/check", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RecordEvent(t *testing.T) {
	r, e, parser := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/usage/events",
		`{"modelId":"gpt-4o","inputTokens":1000000,"outputTokens":0}`))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Charge struct {
			Billed       bool   `json:"billed"`
			PlatformCost string `json:"platformCost"`
		} `json:"charge"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Charge.Billed)
	assert.Equal(t, "2.5", resp.Charge.PlatformCost)

	limits, err := e.ledger.WithLimits(context.Background(), "loc1", user("loc1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), limits.MessagesUsed, "messages defaults to one per event")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/usage/events", `{"success":false}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, authed(t, parser, http.MethodPost, "/v1/usage/events", `{"messages":-2}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
