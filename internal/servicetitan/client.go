// Package servicetitan is the HTTP client for the ServiceTitan REST API.
// It owns authentication, rate limiting and retries so callers only deal
// with paths and JSON payloads.
package servicetitan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
)

// TenantPlaceholder is replaced with the configured tenant ID in request paths
const TenantPlaceholder = "{tenant}"

// RequestOptions describes a single API call
type RequestOptions struct {
	Method string     // Defaults to GET
	Query  url.Values // Optional query string
	Body   any        // Marshalled as JSON when non-nil
}

// Response is a successful API response
type Response struct {
	Status int
	Data   json.RawMessage
}

// APIError is a non-2xx response from ServiceTitan
type APIError struct {
	StatusCode int    `json:"status"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	TraceID    string `json:"traceId"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("ServiceTitan API error %d: %s", e.StatusCode, msg)
}

// Retryable reports whether the request may succeed if sent again
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client talks to the ServiceTitan API on behalf of one tenant
type Client struct {
	baseURL    string
	tenantID   string
	appKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	newBackOff func() backoff.BackOff
	logger     *loggy.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the OAuth2-authenticated HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff replaces the retry policy between attempts
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// WithLogger sets the client logger
func WithLogger(logger *loggy.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client authenticated with the OAuth2 client credentials grant
func NewClient(cfg config.ServiceTitanConfig, opts ...Option) *Client {
	base := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.AuthURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// The token source refreshes on expiry using the base client
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tenantID:   cfg.TenantID,
		appKey:     cfg.AppKey,
		httpClient: httpClient,
		limiter:    newLimiter(cfg.RequestsPerMinute, cfg.BurstLimit),
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     loggy.GetGlobalLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// newLimiter creates a rate limiter from requests per minute and burst
func newLimiter(rpm, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Request sends one API call, retrying throttled and failed attempts with
// exponential backoff. path may contain {tenant}.
func (c *Client) Request(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	endpoint := c.baseURL + strings.ReplaceAll(path, TenantPlaceholder, c.tenantID)
	if len(opts.Query) > 0 {
		endpoint += "?" + opts.Query.Encode()
	}

	var payload []byte
	if opts.Body != nil {
		var err error
		payload, err = json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
	}

	var (
		result  *Response
		attempt int
	)
	operation := func() error {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("waiting for rate limiter: %w", err))
		}

		resp, err := c.do(ctx, method, endpoint, payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			// Rejected credentials will not get better by asking again
			var tokenErr *oauth2.RetrieveError
			if errors.As(err, &tokenErr) && tokenErr.Response != nil && tokenErr.Response.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(fmt.Errorf("fetching access token: %w", err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("ServiceTitan request failed, retrying",
				"method", method,
				"path", path,
				"attempt", attempt,
				"error", err,
			)
			return err
		}

		result = resp
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("ST-App-Key", c.appKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.logger.Debug("ServiceTitan response",
		"method", method,
		"url", req.URL.Path,
		"status_code", resp.StatusCode,
		"content_length", len(data),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Body: string(data)}
		_ = json.Unmarshal(data, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}

	return &Response{Status: resp.StatusCode, Data: json.RawMessage(data)}, nil
}
