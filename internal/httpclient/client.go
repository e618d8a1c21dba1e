// Package httpclient provides the resilient HTTP layer used to fetch
// playlists, media fragments and progressive downloads.
//
// Each request is classified as a manifest, fragment or plain request and
// gets that class's per-attempt timeout and retry budget. On top of that the
// client adds a circuit breaker, exponential backoff between attempts and
// transparent gzip, deflate and brotli decompression.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/observability"
	"github.com/jmylchreest/livegen/internal/urlutil"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultRequestTimeout     = 60 * time.Second
	DefaultManifestTimeout    = 10 * time.Second
	DefaultFragmentTimeout    = 20 * time.Second
	DefaultManifestRetries    = 2
	DefaultFragmentRetries    = 4
	DefaultRequestRetries     = 2
	DefaultRetryDelay         = 1 * time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultCircuitThreshold   = 5
	DefaultCircuitTimeout     = 30 * time.Second
	DefaultCircuitHalfOpenMax = 1
	DefaultAcceptEncoding     = "gzip, deflate, br"
	DefaultUserAgent          = "livegen/1.0"
)

const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
)

// Policy is the per-attempt timeout and retry budget of a request class.
type Policy struct {
	Timeout time.Duration
	Retries int
}

// Config holds the configuration for the HTTP client.
type Config struct {
	Request  Policy
	Manifest Policy
	Fragment Policy

	// RetryDelay is the delay before the first retry; later retries back off
	// by BackoffMultiplier up to RetryMaxDelay.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent           string
	EnableDecompression bool

	// Transport performs the actual round trips. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Clock     clock.Clock
	Logger    *slog.Logger
}

// DefaultConfig returns a Config with the default policies.
func DefaultConfig() Config {
	return Config{
		Request:             Policy{Timeout: DefaultRequestTimeout, Retries: DefaultRequestRetries},
		Manifest:            Policy{Timeout: DefaultManifestTimeout, Retries: DefaultManifestRetries},
		Fragment:            Policy{Timeout: DefaultFragmentTimeout, Retries: DefaultFragmentRetries},
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgent,
		EnableDecompression: true,
	}
}

// ConfigFrom builds a client configuration from the application settings.
// Per-class timeouts and retries belong to the streaming engine
// configuration, which applies them on top of this one.
func ConfigFrom(h config.HTTPConfig) Config {
	cfg := DefaultConfig()
	if h.UserAgent != "" {
		cfg.UserAgent = h.UserAgent
	}
	if h.RetryDelay > 0 {
		cfg.RetryDelay = h.RetryDelay
	}
	if h.RetryMaxDelay > 0 {
		cfg.RetryMaxDelay = h.RetryMaxDelay
	}
	if h.CircuitThreshold > 0 {
		cfg.CircuitThreshold = h.CircuitThreshold
	}
	if h.CircuitTimeout > 0 {
		cfg.CircuitTimeout = h.CircuitTimeout
	}
	return cfg
}

// Client is a resilient HTTP client with circuit breaker and retry support.
type Client struct {
	config    Config
	transport http.RoundTripper
	breaker   *CircuitBreaker
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		config:    cfg,
		transport: transport,
		breaker:   NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax, cfg.Clock),
		clock:     cfg.Clock,
		logger:    observability.WithComponent(cfg.Logger, "httpclient"),
	}
}

// policy returns the retry policy of class.
func (c *Client) policy(class Class) Policy {
	switch class {
	case ClassManifest:
		return c.config.Manifest
	case ClassFragment:
		return c.config.Fragment
	default:
		return c.config.Request
	}
}

// Do executes req with circuit breaker protection and automatic retries.
// The request class comes from the request context when set with
// WithClass, otherwise from the URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	class := classify(req)
	policy := c.policy(class)

	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncoding)
	}

	target := urlutil.ObfuscateURL(req.URL.String())
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.String("url", target),
				slog.String("class", class.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if c.config.RetryMaxDelay > 0 && delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", target),
				slog.String("state", c.breaker.State().String()),
			)
			continue
		}

		resp, err := c.attempt(ctx, req, policy.Timeout)
		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", target),
				slog.String("class", class.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = &StatusError{Code: resp.StatusCode, URL: target}
			c.logger.Warn("retryable status code",
				slog.String("url", target),
				slog.String("class", class.String()),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			_ = resp.Body.Close()
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.Debug("request completed",
			slog.String("url", target),
			slog.String("class", class.String()),
			slog.Int("status", resp.StatusCode),
			slog.Int64("content_length", resp.ContentLength),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// attempt performs one round trip bounded by timeout. The timeout covers the
// body too: it is released when the caller closes the body.
func (c *Client) attempt(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	resp, err := c.transport.RoundTrip(req.Clone(attemptCtx))
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Get performs a GET request to rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit resets the circuit breaker to closed state.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// StandardClient returns an *http.Client that routes through c. The returned
// client has no overall timeout; per-class attempt timeouts apply instead.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{Transport: &resilientTransport{client: c}}
}

type resilientTransport struct {
	client *Client
}

func (t *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}

var _ http.RoundTripper = (*resilientTransport)(nil)

// StatusError reports a response status the client gave up retrying.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retryable status code %d from %s", e.Code, e.URL)
}

// ErrAttemptTimeout is returned when a single attempt exceeds its class timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
