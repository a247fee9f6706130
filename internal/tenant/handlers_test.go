package tenant

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

const testSecret = "tenant-test-secret-tenant-test-secret"

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore, *identity.Parser) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(NewResolver(store, nil))
	parser := identity.NewParser(testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	admin := v1.Group("/admin")
	h.RegisterAdminRoutes(admin)
	protected := v1.Group("")
	protected.Use(identity.Middleware(parser), identity.RequireIdentity())
	h.RegisterProtectedRoutes(protected)
	return r, store, parser
}

func TestHandler_InstallThenGetLinksAndRedacts(t *testing.T) {
	r, _, parser := setupRouter(t)

	body := `{"locationId":"loc1","accessToken":"secret-at","refreshToken":"secret-rt","businessName":" Acme "}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/configurations", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret-at")

	token, err := parser.Sign(identity.New("u1", "loc1", "", identity.UserTypeLocation), time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/configuration", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret-at")
	assert.NotContains(t, w.Body.String(), "secret-rt")

	var resp struct {
		Configuration struct {
			LocationID     string `json:"locationId"`
			Linked         bool   `json:"linked"`
			HasCredentials bool   `json:"hasCredentials"`
			BusinessName   string `json:"businessName"`
		} `json:"configuration"`
		Strategy string `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "loc1", resp.Configuration.LocationID)
	assert.True(t, resp.Configuration.Linked)
	assert.True(t, resp.Configuration.HasCredentials)
	assert.Equal(t, "Acme", resp.Configuration.BusinessName)
	assert.Equal(t, string(StrategyLocationUnlinked), resp.Strategy)
}

func TestHandler_InstallConflictAndValidation(t *testing.T) {
	r, _, _ := setupRouter(t)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/configurations", strings.NewReader(body)))
		return w
	}

	assert.Equal(t, http.StatusCreated, post(`{"locationId":"loc1"}`).Code)
	assert.Equal(t, http.StatusConflict, post(`{"locationId":"loc1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"locationId":"bad id"}`).Code)
}

func TestHandler_GetConfigurationNotInstalled(t *testing.T) {
	r, _, parser := setupRouter(t)

	token, err := parser.Sign(identity.New("u1", "nowhere", "", ""), time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/configuration", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "configuration_not_found")
}

func TestHandler_Deactivate(t *testing.T) {
	r, store, _ := setupRouter(t)
	seed(t, store, "cfg_1", "u1", "loc1", baseTime)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/admin/configurations/cfg_1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/admin/configurations/cfg_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
