// Package httpx is the throttled, traced HTTP client shared by the REST
// provider adapters.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"ledgerlink/internal/domain/datasync"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

// StatusError is returned for non-2xx responses that are not auth failures.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Config configures a provider client.
type Config struct {
	BaseURL string
	// RequestsPerSecond caps outbound calls; zero disables throttling.
	RequestsPerSecond float64
	Timeout           time.Duration
	// Transport overrides the base transport, mostly for tests.
	Transport http.RoundTripper
}

// Client issues JSON requests against one provider's base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: NewTransport(cfg.Transport, cfg.RequestsPerSecond),
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// HTTPClient exposes the underlying client so SDKs and oauth2 share the
// same throttling and tracing.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// NewTransport wraps base with otelhttp tracing and a token-bucket limiter.
func NewTransport(base http.RoundTripper, requestsPerSecond float64) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	rt := otelhttp.NewTransport(base)
	if requestsPerSecond <= 0 {
		return rt
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: rt, limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

type throttled struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttled) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// Request describes one GET against the provider.
type Request struct {
	Path    string
	Query   url.Values
	Headers map[string]string
	// Bearer sets an Authorization: Bearer header when non-empty.
	Bearer string
	// BasicUser sets HTTP basic auth with an empty password when non-empty.
	BasicUser string
}

// GetJSON performs the request and decodes a 2xx body into out.
// 401 and 403 wrap datasync.ErrUnauthorized.
func (c *Client) GetJSON(ctx context.Context, r Request, out any) error {
	u := c.baseURL + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	if r.BasicUser != "" {
		req.SetBasicAuth(r.BasicUser, "")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", datasync.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
