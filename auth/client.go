package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client resolves api keys against an external auth service:
//
//	GET {base}/user_by_api_key/{key} → 200 {"user_id": ..., "username": "..."}
//	                                   401/403/404 → unauthorized
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient returns a Client targeting the given base URL
// (e.g. "http://auth:8080/public").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Resolve(ctx context.Context, apiKey string) (User, error) {
	u := c.baseURL + "/user_by_api_key/" + url.PathEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return User{}, fmt.Errorf("auth request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return User{}, ErrUnauthorized
	default:
		return User{}, fmt.Errorf("auth service: unexpected status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode auth response: %w", err)
	}
	if user.ID == 0 {
		return User{}, fmt.Errorf("auth service: response missing user_id")
	}
	return user, nil
}
