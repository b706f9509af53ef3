// Package client is a small Go client for the tinymeter HTTP API.
//
// Errors returned by the server decode into *APIError, which unwraps to the
// matching sentinel so callers can test with errors.Is:
//
//	_, err := c.Submit(ctx, "m1", time.Now(), 42.5)
//	if errors.Is(err, reading.ErrMaintenanceWindow) {
//		// retry after the blackout window
//	}
package client

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

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/usage"
)

// DefaultEndpoint is used when Config.Endpoint is empty
const DefaultEndpoint = "http://localhost:8080"

// Config holds configuration for the client
type Config struct {
	Endpoint string        `json:"endpoint"`
	Timeout  time.Duration `json:"timeout"`

	// HTTPClient overrides the default client (Timeout is then ignored)
	HTTPClient *http.Client `json:"-"`
}

// Client talks to a tinymeter server
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a new client
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     hc,
	}, nil
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tinymeter: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tinymeter: %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel matching Code, if any
func (e *APIError) Unwrap() error {
	return httpx.ErrorForCode(e.Code)
}

// Register creates a meter account
func (c *Client) Register(ctx context.Context, acct account.Account) (account.Account, error) {
	var out account.Account
	err := c.do(ctx, http.MethodPost, "/v1/meters", nil, acct, &out)
	return out, err
}

// Submit sends one reading. The returned record is what the gateway
// accepted; it is persisted asynchronously.
func (c *Client) Submit(ctx context.Context, meterID string, at time.Time, kwh float64) (reading.Record, error) {
	body := map[string]interface{}{
		"meter_id": meterID,
		"time":     at.Format(time.RFC3339Nano),
		"reading":  kwh,
	}
	var out struct {
		Status string         `json:"status"`
		Record reading.Record `json:"record"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/readings", nil, body, &out); err != nil {
		return reading.Record{}, err
	}
	return out.Record, nil
}

// Latest returns the cached latest reading for meterID
func (c *Client) Latest(ctx context.Context, meterID string) (reading.Latest, error) {
	var out reading.Latest
	err := c.do(ctx, http.MethodGet, "/v1/meters/"+url.PathEscape(meterID)+"/latest", nil, nil, &out)
	return out, err
}

// Usage returns consumption over a named window (usage.WindowToday, ...)
func (c *Client) Usage(ctx context.Context, meterID, window string) (usage.Result, error) {
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}
	var out usage.Result
	err := c.do(ctx, http.MethodGet, "/v1/meters/"+url.PathEscape(meterID)+"/usage", q, nil, &out)
	return out, err
}

// UsageBetween returns consumption over a custom window
func (c *Client) UsageBetween(ctx context.Context, meterID string, start, end time.Time) (usage.Result, error) {
	q := url.Values{}
	q.Set("window", usage.WindowCustom)
	q.Set("start", start.Format(time.RFC3339Nano))
	q.Set("end", end.Format(time.RFC3339Nano))

	var out usage.Result
	err := c.do(ctx, http.MethodGet, "/v1/meters/"+url.PathEscape(meterID)+"/usage", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er httpx.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && (er.Code != "" || er.Message != "") {
		apiErr.Code = er.Code
		apiErr.Message = er.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
