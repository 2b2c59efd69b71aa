package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

const (
	// RequestIDHeader carries a per-attempt id matching server and client logs.
	RequestIDHeader = "X-Request-ID"

	DefaultUserAgent = "partysync/0.1"
)

// Authorizer supplies the bearer credential and renews it after a 401.
type Authorizer interface {
	AccessToken() (string, bool)
	RenewIfCurrent(ctx context.Context, used string) (string, error)
}

// Request is one API call. Body is held in memory so a retry after renewal
// sends identical bytes.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Header  http.Header
	Timeout time.Duration
}

// Response is a completed call. Non-2xx statuses are returned as-is.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Retried    bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// BaseClient is the authenticated HTTP client shared by the typed API
// clients. A 401 triggers one credential renewal and one retry.
type BaseClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
	auth    Authorizer
	logger  zerolog.Logger
}

func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: map[string]string{"User-Agent": DefaultUserAgent},
		logger:  log.Logger.With().Str("component", "request_client").Logger(),
	}
}

func (c *BaseClient) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetHTTPClient replaces the underlying client (tests use httptest clients).
func (c *BaseClient) SetHTTPClient(client *http.Client) {
	c.client = client
}

func (c *BaseClient) SetAuthorizer(auth Authorizer) {
	c.auth = auth
}

func (c *BaseClient) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *BaseClient) BaseURL() string {
	return c.baseURL
}

// Call issues r with the current credential. On a 401 it asks the
// authorizer to renew the credential that was used and retries exactly
// once; a second 401 returns syncerr.ErrAuthExpired. Transport failures are
// wrapped in syncerr.ErrNetwork.
func (c *BaseClient) Call(ctx context.Context, r Request) (*Response, error) {
	resp, used, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.auth == nil {
		return resp, nil
	}

	c.logger.Debug().
		Str("path", r.Path).
		Str("request_id", resp.RequestID).
		Msg("access token rejected, renewing")

	if _, err := c.auth.RenewIfCurrent(ctx, used); err != nil {
		return nil, fmt.Errorf("renew credentials for %s: %w", r.Path, err)
	}

	resp, _, err = c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	resp.Retried = true
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &syncerr.StatusError{StatusCode: resp.StatusCode, Path: r.Path, Detail: "rejected after renewal"}
	}
	return resp, nil
}

func (c *BaseClient) do(ctx context.Context, r Request) (*Response, string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	target := c.baseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	var used string
	if c.auth != nil {
		if access, ok := c.auth.AccessToken(); ok {
			used = access
			req.Header.Set("Authorization", "Bearer "+access)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, used, fmt.Errorf("%w: %s %s: %w", syncerr.ErrNetwork, r.Method, r.Path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, used, fmt.Errorf("%w: failed to read response body: %w", syncerr.ErrNetwork, err)
	}

	c.logger.Debug().
		Str("method", r.Method).
		Str("path", r.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("request_id", requestID).
		Msg("api call")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       responseBody,
		RequestID:  requestID,
	}, used, nil
}

// MakeRequest calls endpoint and returns the body of a 2xx answer. Other
// statuses become a *syncerr.StatusError.
func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	resp, err := c.Call(ctx, Request{Method: method, Path: endpoint, Body: payload})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, StatusErrorFor(endpoint, resp)
	}
	return resp.Body, nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodGet, endpoint, nil)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, body io.Reader) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, body)
}

// GetJSON decodes a 2xx answer into out.
func (c *BaseClient) GetJSON(ctx context.Context, endpoint string, out any) error {
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return nil
}

// PostJSON encodes in, posts it and decodes a 2xx answer into out. A nil out
// discards the body.
func (c *BaseClient) PostJSON(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	body, err := c.Post(ctx, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return nil
}

// StatusErrorFor builds the error for a non-2xx response, extracting the
// server's "detail" message when present.
func StatusErrorFor(path string, resp *Response) *syncerr.StatusError {
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	detail := ""
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		detail = body.Detail
		if detail == "" {
			detail = body.Error
		}
	}
	return &syncerr.StatusError{StatusCode: resp.StatusCode, Path: path, Detail: detail}
}
