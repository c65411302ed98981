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

// Config holds the configuration for connecting to the Fairbroker platform.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key, e.g. "fb_..."
	Identity string // Identity the key belongs to, e.g. "alice"
}

// BrokerClient is a pure HTTP client for the Fairbroker platform API.
type BrokerClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewBrokerClient creates a new client for the Fairbroker platform.
func NewBrokerClient(cfg Config) *BrokerClient {
	return &BrokerClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *BrokerClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
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

// ListOffers lists offers, optionally filtered.
func (c *BrokerClient) ListOffers(ctx context.Context, creator, direction string, openOnly, disputedOnly bool, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if creator != "" {
		q.Set("creator", creator)
	}
	if direction != "" {
		q.Set("direction", direction)
	}
	if openOnly {
		q.Set("open", "true")
	}
	if disputedOnly {
		q.Set("disputed", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/offers", q, nil)
}

// GetOffer fetches a single offer by ID.
func (c *BrokerClient) GetOffer(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/offers/"+strconv.FormatUint(id, 10), nil, nil)
}

// CreateOffer creates a new escrow-backed offer.
func (c *BrokerClient) CreateOffer(ctx context.Context, arbiter string, assetAmount, offChainAmount uint64, direction string) (json.RawMessage, error) {
	body := map[string]any{
		"arbiter":        arbiter,
		"assetAmount":    assetAmount,
		"offChainAmount": offChainAmount,
		"direction":      direction,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/offers", nil, body)
}

// AcceptOffer accepts an open offer as the counterparty.
func (c *BrokerClient) AcceptOffer(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+strconv.FormatUint(id, 10)+"/accept", nil, nil)
}

// CompleteOffer marks the caller's side of a matched offer complete.
func (c *BrokerClient) CompleteOffer(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+strconv.FormatUint(id, 10)+"/complete", nil, nil)
}

// CancelOffer cancels an unmatched offer and refunds the escrow.
func (c *BrokerClient) CancelOffer(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+strconv.FormatUint(id, 10)+"/cancel", nil, nil)
}

// OpenDispute freezes a matched offer pending arbitration.
func (c *BrokerClient) OpenDispute(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+strconv.FormatUint(id, 10)+"/dispute", nil, nil)
}

// ResolveDispute settles a disputed offer as its arbiter.
func (c *BrokerClient) ResolveDispute(ctx context.Context, id uint64, favorCreator bool) (json.RawMessage, error) {
	body := map[string]any{"favorCreator": favorCreator}
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+strconv.FormatUint(id, 10)+"/resolve", nil, body)
}

// GetBalance returns the caller's ledger balance.
func (c *BrokerClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/balances/"+c.cfg.Identity, nil, nil)
}

// GetHistory returns the caller's recent ledger entries.
func (c *BrokerClient) GetHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/balances/"+c.cfg.Identity+"/history", q, nil)
}
