// Package habitica provides a thin HTTP client for the Habitica v3 API.
// The hub only stores credential pairs and checks that they work; scoring
// tasks against Habitica is done by clients holding the same credentials.
package habitica

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Credentials is the per-user credential pair the integration endpoints
// store and return.
type Credentials struct {
	UserID string `json:"integration_user_id"`
	APIKey string `json:"integration_api_key"`
}

// Client is a per-request HTTP client for the Habitica API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient returns a Client targeting the given base URL
// (e.g. "https://habitica.com"). An empty base URL yields a nil Client,
// which callers treat as "verification disabled".
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

// VerifyCredentials probes the authenticated user endpoint with the given
// credential pair. A nil error means the pair is usable.
func (c *Client) VerifyCredentials(ctx context.Context, creds Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/user", nil)
	if err != nil {
		return fmt.Errorf("habitica request: %w", err)
	}
	req.Header.Set("x-api-user", creds.UserID)
	req.Header.Set("x-api-key", creds.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("habitica: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("habitica rejected the credential pair")
	case resp.StatusCode >= 300:
		return fmt.Errorf("habitica: unexpected status %d", resp.StatusCode)
	}
	return nil
}
