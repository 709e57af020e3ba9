package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultAPIBaseURL is the Bitbucket Cloud REST root.
	DefaultAPIBaseURL = "https://api.bitbucket.org/2.0"

	maxErrorBodyBytes = 4 << 10
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives one callback per upstream attempt and per scheduled retry.
type Observer interface {
	ObserveAttempt(endpoint string, statusCode int, duration time.Duration, err error)
	ObserveRetry(endpoint string, wait time.Duration)
}

// ClientConfig configures the upstream request client.
type ClientConfig struct {
	BaseURL  string
	Retry    RetryPolicy
	Observer Observer
	Logger   *zap.Logger
}

// Client issues authenticated GET requests and decodes JSON with bounded retries.
type Client struct {
	doer     HTTPDoer
	baseURL  *url.URL
	retry    RetryPolicy
	observer Observer
	logger   *zap.Logger
	// Sleep is injected for testability.
	Sleep func(ctx context.Context, duration time.Duration) error
}

// NewClient creates an upstream request client.
func NewClient(doer HTTPDoer, cfg ClientConfig) (*Client, error) {
	if doer == nil {
		return nil, fmt.Errorf("http doer is required")
	}
	baseURL, err := parseAPIBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:     doer,
		baseURL:  baseURL,
		retry:    cfg.Retry,
		observer: cfg.Observer,
		logger:   logger,
		Sleep:    sleepContext,
	}, nil
}

// NewHTTPClient builds an http.Client with separate connect and end-to-end timeouts.
func NewHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.TLSHandshakeTimeout = connectTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimSuffix(c.baseURL.String(), "/")
}

// GetJSON fetches rawURL with the credentials' Basic token and decodes the body into target.
// Relative URLs are resolved against the API root. Retryable failures are retried
// per the client's RetryPolicy; the last failure is returned as *UpstreamError.
func (c *Client) GetJSON(ctx context.Context, creds Credentials, rawURL string, target any) error {
	if creds.IsZero() {
		return NewValidationError("authorization", "credentials are required")
	}
	requestURL, err := c.resolve(rawURL)
	if err != nil {
		return err
	}
	endpoint := endpointName(requestURL)
	maxAttempts := c.retry.MaxAttempts()

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = telemetry.Tracer("bitbucket").Start(
			ctx,
			"bitbucket.client.get",
			trace.WithAttributes(
				attribute.String("http.method", http.MethodGet),
				attribute.String("http.path", requestURL.EscapedPath()),
				attribute.String("bitbucket.endpoint", endpoint),
				attribute.Int("bitbucket.max_attempts", maxAttempts),
			),
		)
		defer span.End()
	}

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		start := time.Now()
		callErr := c.attempt(ctx, creds, requestURL, target)
		// An attempt abandoned by the caller says nothing about Bitbucket.
		if ctxErr := ctx.Err(); callErr != nil && ctxErr != nil {
			return ctxErr
		}
		c.observeAttempt(endpoint, callErr, time.Since(start))
		if callErr == nil {
			if span != nil {
				span.SetStatus(codes.Ok, "request completed")
			}
			return nil
		}

		var upstreamErr *UpstreamError
		if !errors.As(callErr, &upstreamErr) {
			if span != nil {
				span.RecordError(callErr)
				span.SetStatus(codes.Error, callErr.Error())
			}
			return callErr
		}
		upstreamErr.Attempts = attempt

		if span != nil {
			span.RecordError(callErr)
			span.AddEvent("attempt_failed", trace.WithAttributes(
				attribute.Int("bitbucket.attempt", attempt),
				attribute.Int("http.status_code", upstreamErr.StatusCode),
				attribute.Bool("bitbucket.transient", upstreamErr.Transient),
			))
		}
		if !upstreamErr.Transient || attempt >= maxAttempts {
			if span != nil {
				span.SetStatus(codes.Error, callErr.Error())
			}
			return upstreamErr
		}

		wait := c.retry.Backoff(attempt)
		c.logger.Warn(
			"bitbucket request failed; retrying",
			zap.String("endpoint", endpoint),
			zap.String("url", requestURL.Redacted()),
			zap.Int("status", upstreamErr.StatusCode),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(upstreamErr.Err),
		)
		if c.observer != nil {
			c.observer.ObserveRetry(endpoint, wait)
		}
		if err := c.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) attempt(ctx context.Context, creds Credentials, requestURL *url.URL, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", creds.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return &UpstreamError{
			Method:    http.MethodGet,
			URL:       requestURL.Redacted(),
			Transient: IsRetryableError(err),
			Err:       err,
		}
	}
	if resp == nil {
		return &UpstreamError{
			Method:    http.MethodGet,
			URL:       requestURL.Redacted(),
			Transient: true,
			Err:       fmt.Errorf("nil response"),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := readErrorBodyAndClose(resp)
		return &UpstreamError{
			Method:     http.MethodGet,
			URL:        requestURL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       body,
			Transient:  IsRetryableStatus(resp.StatusCode),
		}
	}

	if err := decodeJSONAndClose(resp, target); err != nil {
		if isTransportReadError(err) {
			return &UpstreamError{
				Method:     http.MethodGet,
				URL:        requestURL.Redacted(),
				StatusCode: resp.StatusCode,
				Transient:  IsRetryableError(err),
				Err:        err,
			}
		}
		return fmt.Errorf("%w: %s: %v", ErrDecode, requestURL.EscapedPath(), err)
	}
	return nil
}

func (c *Client) observeAttempt(endpoint string, err error, duration time.Duration) {
	if c.observer == nil {
		return
	}
	statusCode := http.StatusOK
	if err != nil {
		statusCode = StatusCode(err)
	}
	c.observer.ObserveAttempt(endpoint, statusCode, duration, err)
}

func (c *Client) resolve(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("request url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	return c.baseURL.ResolveReference(&url.URL{
		Path:     strings.TrimPrefix(parsed.Path, "/"),
		RawQuery: parsed.RawQuery,
	}), nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = DefaultAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse bitbucket api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse bitbucket api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

// endpointName reduces a request path to a low-cardinality label, e.g. "comments".
func endpointName(u *url.URL) string {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		segment := segments[i]
		if segment == "" {
			continue
		}
		if _, err := strconv.ParseInt(segment, 10, 64); err == nil {
			continue
		}
		if i > 0 && segments[i-1] == "repositories" {
			return "repository"
		}
		return segment
	}
	return "root"
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	if target == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

func isTransportReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, target := range transientErrnos {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func readErrorBodyAndClose(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return string(body)
}
