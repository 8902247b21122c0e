package planeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Object is a Plane entity as returned by the API.
type Object = map[string]any

// List is the envelope of every list endpoint.
type List struct {
	Results []Object `json:"results"`
	Count   int      `json:"count"`
}

// APIError is a failed call against the Plane API. Status is 0 for transport
// failures and malformed responses.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("plane api %d: %s", e.Status, e.Message)
	case e.Message != "":
		return "plane api: " + e.Message
	case e.Err != nil:
		return "plane api: " + e.Err.Error()
	case e.Status != 0:
		return fmt.Sprintf("plane api error (%d)", e.Status)
	}
	return "plane api error"
}

func (e *APIError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// TokenSource yields the API token to use for a workspace.
type TokenSource interface {
	Token(ctx context.Context, workspaceSlug string) (string, error)
}

type Config struct {
	BaseURL     string
	WebURL      string
	Tokens      TokenSource
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Log         zerolog.Logger
}

// Client translates category methods into Plane REST calls. It holds no chat
// state and is safe for concurrent use.
type Client struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.WebURL = strings.TrimRight(cfg.WebURL, "/")
	return &Client{cfg: cfg, log: cfg.Log.With().Str("component", "planeapi").Logger()}
}

func (c *Client) do(ctx context.Context, slug, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Message: "encode request body", Err: err}
		}
		payload = b
	}
	token := ""
	if c.cfg.Tokens != nil {
		t, err := c.cfg.Tokens.Token(ctx, slug)
		if err != nil {
			return &APIError{Message: "resolve workspace token", Err: err}
		}
		token = t
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		raw, when, err := c.callOnce(ctx, method, endpoint, token, payload)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(raw)) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return &APIError{Message: "malformed response", Err: err}
			}
			return nil
		}
		lastErr = err
		if !when.allows(method) || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying plane api call")
		select {
		case <-ctx.Done():
			return &APIError{Message: "request cancelled", Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// retryWhen says which requests may be sent again after a failure.
type retryWhen int

const (
	never retryWhen = iota
	// the server may have applied the request before failing
	ifIdempotent
	// the server cannot have applied the request
	always
)

func (r retryWhen) allows(method string) bool {
	switch r {
	case always:
		return true
	case ifIdempotent:
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete:
			return true
		}
	}
	return false
}

func (c *Client) callOnce(ctx context.Context, method, endpoint, token string, payload []byte) ([]byte, retryWhen, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, never, &APIError{Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		when := ifIdempotent
		if neverConnected(err) {
			when = always
		}
		return nil, when, &APIError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, never, &APIError{Status: resp.StatusCode, Message: "read response body", Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return raw, never, nil
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: errorMessage(raw)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, always, apiErr
	case resp.StatusCode >= 500:
		return nil, ifIdempotent, apiErr
	}
	return nil, never, apiErr
}

func neverConnected(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// errorMessage pulls the human message out of DRF style error bodies.
func errorMessage(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, key := range []string{"error", "detail", "message"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func workspacePath(slug string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/v1/workspaces/")
	b.WriteString(url.PathEscape(slug))
	b.WriteString("/")
	for _, p := range parts {
		b.WriteString(url.PathEscape(p))
		b.WriteString("/")
	}
	return b.String()
}

func projectPath(slug, projectID string, parts ...string) string {
	return workspacePath(slug, append([]string{"projects", projectID}, parts...)...)
}
