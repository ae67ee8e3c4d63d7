// Package backend is the HTTP client of the relational backend (REST/RPC,
// PostgREST style) that pending writes are dispatched to.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

const (
	// TenantHeader carries the organization a write belongs to.
	TenantHeader = "X-Org-Id"
	// IdempotencyHeader lets the backend drop replays of the same write.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Request is one call against the backend.
type Request struct {
	Method         string
	Target         string // path (and query) relative to the base URL
	Body           json.RawMessage
	Headers        map[string]string
	Token          string
	Tenant         string
	IdempotencyKey string
}

// Response is a successful (2xx) backend response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Config configures the client.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client executes requests against the backend.
type Client struct {
	base   *url.URL
	apiKey string
	agent  string
	http   *http.Client
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "goatleta-sync"
	}

	return &Client{base: base, apiKey: cfg.APIKey, agent: agent, http: hc}, nil
}

// Execute performs req. Any failure is returned as a *ClassifiedError.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	target := c.base.String() + "/" + strings.TrimLeft(req.Target, "/")

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target, body)
	if err != nil {
		return nil, &ClassifiedError{Class: schema.ClassClient, Message: "invalid request", Permanent: true, Err: err}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", c.agent)
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if req.Tenant != "" {
		httpReq.Header.Set(TenantHeader, req.Tenant)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ClassifyTransport(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ClassifyResponse(resp.StatusCode, resp.Header, data)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
