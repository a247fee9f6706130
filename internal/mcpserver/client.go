package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/extractly/internal/identity"
)

// ErrAdminSecretMissing is returned by operator calls when no admin secret is configured.
var ErrAdminSecretMissing = errors.New("admin secret not configured")

// Config holds the configuration for connecting to the Extractly API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	Token       string // CRM identity credential for the embedded-app routes
	AdminSecret string // Shared secret for /v1/admin routes (optional)
}

// Client is a pure HTTP client for the Extractly API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the Extractly API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// Admin requests carry the admin secret, all others the identity credential.
func (c *Client) doRequest(ctx context.Context, method, path string, admin bool, body any) (json.RawMessage, error) {
	if admin && c.cfg.AdminSecret == "" {
		return nil, ErrAdminSecretMissing
	}

	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if admin {
		req.Header.Set(identity.HeaderAdminSecret, c.cfg.AdminSecret)
	} else if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CheckEntitlement asks whether the credential's location may use capability.
func (c *Client) CheckEntitlement(ctx context.Context, capability string) (json.RawMessage, error) {
	body := map[string]string{"capability": capability}
	return c.doRequest(ctx, http.MethodPost, "/v1/entitlements/check", false, body)
}

// GetUsage returns usage with limits. An empty locationID means the
// credential's own location; any other location needs the admin secret.
func (c *Client) GetUsage(ctx context.Context, locationID string) (json.RawMessage, error) {
	if locationID == "" {
		return c.doRequest(ctx, http.MethodGet, "/v1/usage", false, nil)
	}
	path := "/v1/admin/locations/" + url.PathEscape(locationID) + "/usage"
	return c.doRequest(ctx, http.MethodGet, path, true, nil)
}

// ListPlans returns the plan catalogue.
func (c *Client) ListPlans(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/plans", true, nil)
}

// ChangePlan moves a location to another plan.
func (c *Client) ChangePlan(ctx context.Context, locationID, planCode string) (json.RawMessage, error) {
	path := "/v1/admin/locations/" + url.PathEscape(locationID) + "/plan"
	body := map[string]string{"planCode": planCode}
	return c.doRequest(ctx, http.MethodPut, path, true, body)
}

// EstimateCost prices a prospective completion.
func (c *Client) EstimateCost(ctx context.Context, modelID string, inputTokens, outputTokens int64) (json.RawMessage, error) {
	body := map[string]any{
		"modelId":      modelID,
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/pricing/estimate", false, body)
}
