package plan

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/extractly/internal/identity"
)

const testSecret = "plan-test-secret-plan-test-secret-xx"

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore, *identity.Parser) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewSeededMemoryStore()
	svc := NewService(store, NewResolver(store, NewMemoryCache(), time.Minute, nil), nil)
	h := NewHandler(svc)
	parser := identity.NewParser(testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterAdminRoutes(v1.Group("/admin"))
	protected := v1.Group("")
	protected.Use(identity.Middleware(parser), identity.RequireIdentity())
	h.RegisterProtectedRoutes(protected)
	return r, store, parser
}

func do(r *gin.Engine, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListPlans(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/admin/plans", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Plans []struct {
			Code             string          `json:"code"`
			MessagesIncluded json.RawMessage `json:"messagesIncluded"`
		} `json:"plans"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Count)
	assert.Equal(t, CodeStarter, resp.Plans[1].Code)
	assert.JSONEq(t, `500`, string(resp.Plans[1].MessagesIncluded))
	assert.JSONEq(t, `{"unlimited":true}`, string(resp.Plans[4].MessagesIncluded))
}

func TestHandler_ChangePlanAndEffectivePlan(t *testing.T) {
	r, _, parser := setupRouter(t)
	token, err := parser.Sign(identity.New("u1", "loc1", "", identity.UserTypeLocation), time.Minute)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/v1/plan", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"default"`)

	w = do(r, http.MethodPut, "/v1/admin/locations/loc1/plan", `{"planCode":"pro"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/plan", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"pro"`)

	w = do(r, http.MethodPut, "/v1/admin/locations/loc1/plan", `{"planCode":"platinum"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_plan_code")

	w = do(r, http.MethodPut, "/v1/admin/locations/loc1/plan", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AgencyRoutes(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/admin/agencies/comp1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPut, "/v1/admin/agencies/comp1/permissions",
		`{"tier":"agency_pro","canUseOwnAiKey":true,"maxLocations":1}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/admin/agencies/comp1/locations", `{"locationId":"loc1"}`, "")
	assert.Equal(t, http.StatusCreated, w.Code)
	w = do(r, http.MethodPost, "/v1/admin/agencies/comp1/locations", `{"locationId":"loc2"}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodGet, "/v1/admin/agencies/comp1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"locationId":"loc1"`)

	w = do(r, http.MethodPut, "/v1/admin/agencies/comp1/permissions", `{"tier":"starter"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
