package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/servio-labs/servio/internal/apperr"
	"github.com/servio-labs/servio/internal/config"
)

// Checkout is the handle returned by the payment provider for a created
// checkout session.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client creates checkout sessions at the external payment provider.
// Settlement status comes back later through the webhook, never through
// this client.
type Client interface {
	CreateCheckout(ctx context.Context, amount int64, payerID, externalRef string) (*Checkout, error)
}

// HTTPClient talks to the provider's REST API with a bounded timeout.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClient) CreateCheckout(ctx context.Context, amount int64, payerID, externalRef string) (*Checkout, error) {
	body, err := json.Marshal(map[string]any{
		"amount":    amount,
		"payer":     payerID,
		"reference": externalRef,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.New(apperr.UpstreamUnavailable, "payment gateway returned %d", resp.StatusCode)
	}

	var out Checkout
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "decode gateway response")
	}
	if out.URL == "" {
		return nil, apperr.New(apperr.UpstreamUnavailable, "gateway response missing checkout url")
	}
	return &out, nil
}

// WebhookEvent is the inbound callback payload from the provider. The
// provider is an untrusted, at-least-once event source.
type WebhookEvent struct {
	Type        string `json:"type"`
	ExternalRef string `json:"external_reference"`
	Status      string `json:"status"`
}

func (e WebhookEvent) Validate() error {
	if e.ExternalRef == "" {
		return fmt.Errorf("external_reference is required")
	}
	if e.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}
