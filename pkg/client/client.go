// Package client provides the HTTP transport shared by every remote source:
// rate limiting, retry with backoff per error class, error classification
// and request metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/ratelimit"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_requests_total",
		Help: "Total HTTP requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_errors_total",
		Help: "Total HTTP errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_http_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 rate limit errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// maxErrorBody bounds how much of an error response is kept as the message.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds a single attempt. The caller's context bounds the
	// whole call including retries.
	Timeout time.Duration

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// Username and Password enable basic auth when Username is set.
	Username string
	Password string

	// Limiter gates every attempt. Nil disables client-side limiting.
	Limiter *ratelimit.Limiter

	// Retry selects backoff per error class. Nil uses RetryConfigForErrorClass.
	Retry RetryPolicy

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   60 * time.Second,
		Retry:     RetryConfigForErrorClass,
	}
}

// Client is the retrying HTTP client.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}
	if cfg.Retry == nil {
		cfg.Retry = RetryConfigForErrorClass
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		config: cfg,
		logger: logger.With().Str("component", "http-client").Logger(),
	}, nil
}

// Do performs req with rate limiting and retries. A response is returned
// only for status < 400 and the caller must close its body. Any other
// outcome is an error wrapping *HTTPError. Requests with a body must set
// GetBody (http.NewRequest does for in-memory bodies) to be retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(startTime).Seconds())
	}()

	c.prepare(req)

	c.logger.Debug().
		Str("url", req.URL.Redacted()).
		Str("method", req.Method).
		Msg("Executing request")

	var resp *http.Response
	attempt := 0

	err := retryWithBackoff(ctx, func() error {
		attempt++
		resp = nil

		if err := c.config.Limiter.Wait(ctx); err != nil {
			return &HTTPError{ErrorClass: ErrorClassNetwork, Message: "rate limiter", Err: err}
		}

		r := req
		if attempt > 1 {
			var err error
			if r, err = rewind(req); err != nil {
				return &HTTPError{ErrorClass: ErrorClassClient, Message: "request body not replayable", Err: err}
			}
		}

		got, err := c.httpClient.Do(r)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(host, "network_error").Inc()
			c.logger.Warn().Err(err).Str("host", host).Int("attempt", attempt).Msg("HTTP request failed")
			return &HTTPError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
		}

		c.config.Limiter.Observe(ctx, got.Header)
		requestsTotal.WithLabelValues(host, strconv.Itoa(got.StatusCode)).Inc()

		if got.StatusCode >= 400 {
			errClass := c.classifyError(got, nil)
			errorsTotal.WithLabelValues(string(errClass)).Inc()

			body, _ := io.ReadAll(io.LimitReader(got.Body, maxErrorBody))
			got.Body.Close()

			c.logger.Warn().
				Str("host", host).
				Int("status", got.StatusCode).
				Str("error_class", string(errClass)).
				Int("attempt", attempt).
				Msg("Request error")

			msg := got.Status
			if len(bytes.TrimSpace(body)) > 0 {
				msg = got.Status + ": " + string(bytes.TrimSpace(body))
			}
			return &HTTPError{StatusCode: got.StatusCode, ErrorClass: errClass, Message: msg}
		}

		resp = got
		return nil
	}, ClassOf, c.config.Retry, c.logger)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// prepare sets the headers shared by every attempt.
func (c *Client) prepare(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("GetBody not set")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusRequestTimeout:
		return ErrorClassNetwork
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// GetJSON performs a GET request and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PostJSON encodes body as JSON, POSTs it and decodes the reply into v
// when v is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Download streams url into dst and returns the bytes written. The file
// appears under dst only once complete.
func (c *Client) Download(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("move download into place: %w", err)
	}

	c.logger.Debug().Str("dst", dst).Int64("bytes", n).Msg("Download complete")
	return n, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
