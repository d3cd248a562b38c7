package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the wallet API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // API key, e.g. "sk_..."
	AdminSecret string // Optional; enables the operator tools
}

// WalletClient is a pure HTTP client for the wallet API.
type WalletClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewWalletClient creates a new client for the wallet API.
func NewWalletClient(cfg Config) *WalletClient {
	return &WalletClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *WalletClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
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

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if admin {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
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

// HasAdmin reports whether operator calls are configured.
func (c *WalletClient) HasAdmin() bool {
	return c.cfg.AdminSecret != ""
}

// GetStatus returns the caller's wallet balance and entitlement.
func (c *WalletClient) GetStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet/status", nil, nil, false)
}

// GetQuota returns the caller's 30-day usage against the plan quota.
func (c *WalletClient) GetQuota(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet/quota", nil, nil, false)
}

// GetHistory returns one page of the caller's ledger.
func (c *WalletClient) GetHistory(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet/history", q, nil, false)
}

// ListPlans returns the public plan catalog.
func (c *WalletClient) ListPlans(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/plans", nil, nil, false)
}

// GetWallet returns any wallet with its usage (operator).
func (c *WalletClient) GetWallet(ctx context.Context, subjectType, subjectID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, walletPath(subjectType, subjectID), nil, nil, true)
}

// AdjustTokens applies a signed correction to a wallet (operator).
func (c *WalletClient) AdjustTokens(ctx context.Context, subjectType, subjectID string, delta int64, reason, eventID string) (json.RawMessage, error) {
	body := map[string]any{
		"delta":   delta,
		"reason":  reason,
		"eventId": eventID,
	}
	return c.doRequest(ctx, http.MethodPost, walletPath(subjectType, subjectID)+"/adjust", nil, body, true)
}

// SetFrozen freezes or unfreezes a wallet (operator).
func (c *WalletClient) SetFrozen(ctx context.Context, subjectType, subjectID string, frozen bool) (json.RawMessage, error) {
	action := "/unfreeze"
	if frozen {
		action = "/freeze"
	}
	return c.doRequest(ctx, http.MethodPost, walletPath(subjectType, subjectID)+action, nil, nil, true)
}

// Reconcile runs a ledger reconciliation pass (operator).
func (c *WalletClient) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil, true)
}

func walletPath(subjectType, subjectID string) string {
	return "/v1/admin/wallets/" + url.PathEscape(subjectType) + "/" + url.PathEscape(subjectID)
}
