package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// DefaultRefreshPath is the auth service's token refresh endpoint.
const DefaultRefreshPath = "/api/signup/auth/refresh/"

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// HTTPExchanger calls the refresh endpoint directly, outside the
// authenticated request client.
type HTTPExchanger struct {
	baseURL   string
	path      string
	userAgent string
	client    *http.Client
}

// NewHTTPExchanger creates an exchanger for baseURL. An empty path uses
// DefaultRefreshPath and a nil client gets a 30 second timeout.
func NewHTTPExchanger(baseURL, path string, client *http.Client) *HTTPExchanger {
	if path == "" {
		path = DefaultRefreshPath
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{
		baseURL: baseURL,
		path:    path,
		client:  client,
	}
}

// SetUserAgent sets the User-Agent sent with refresh calls.
func (e *HTTPExchanger) SetUserAgent(userAgent string) {
	e.userAgent = userAgent
}

// Exchange implements Exchanger. 400, 401 and 403 are rejections; transport
// failures and any other non-2xx status are network errors.
func (e *HTTPExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+e.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh request: %w", syncerr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: refresh rejected with status %d: %s", syncerr.ErrAuthExpired, resp.StatusCode, string(detail))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: refresh returned status %d", syncerr.ErrNetwork, resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode refresh response: %w", syncerr.ErrNetwork, err)
	}
	if out.Access == "" {
		return nil, fmt.Errorf("%w: refresh response missing access token", syncerr.ErrNetwork)
	}

	return &oauth2.Token{
		AccessToken:  out.Access,
		RefreshToken: out.Refresh,
		TokenType:    "Bearer",
	}, nil
}
