// Package remote is the HTTP plumbing shared by every imagery provider:
// user agent, system proxy, per-provider pacing and rate limit detection,
// and a circuit breaker.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"flightmap-desktop/internal/ratelimit"
	"flightmap-desktop/internal/tile"
)

var (
	// ErrNotFound means the provider has no resource at the URL
	ErrNotFound = errors.New("resource not found")

	// ErrRateLimited means the provider refused the request with a rate limit status
	ErrRateLimited = errors.New("rate limited by provider")
)

// StatusError is an unexpected HTTP status
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// BreakerSettings configures the circuit breaker
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Options configures a Client
type Options struct {
	Provider  string
	UserAgent string
	Timeout   time.Duration
	Breaker   BreakerSettings

	// Transport overrides the default proxy-aware transport, for tests
	Transport http.RoundTripper
}

// Client performs GET requests against one provider
type Client struct {
	provider   string
	userAgent  string
	httpClient *http.Client
	limits     *ratelimit.Handler
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     zerolog.Logger
}

// errAbandoned marks a request cut short by the caller's context, either a
// cancel or a caller deadline. The client's own Timeout is not abandonment.
var errAbandoned = errors.New("request abandoned by caller")

// New creates a provider client. limits may be nil.
func New(opts Options, limits *ratelimit.Handler, logger zerolog.Logger) *Client {
	transport := opts.Transport
	if transport == nil {
		// Respect system proxy settings
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	logger = logger.With().Str("provider", opts.Provider).Logger()

	threshold := opts.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        opts.Provider,
		MaxRequests: opts.Breaker.MaxRequests,
		Interval:    opts.Breaker.Interval,
		Timeout:     opts.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A missing tile or an abandoned request says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, errAbandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Client{
		provider:  opts.Provider,
		userAgent: opts.UserAgent,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limits:  limits,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

// Provider returns the provider id used for rate limiting
func (c *Client) Provider() string {
	return c.provider
}

// BreakerState returns the circuit breaker state name
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Get fetches url and returns the body of a 200 response
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if c.limits != nil {
		if err := c.limits.Wait(ctx, c.provider); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
			return nil, err
		}
	}

	return c.breaker.Execute(func() ([]byte, error) {
		data, err := c.do(ctx, url)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return data, err
	})
}

// GetJSON fetches url and decodes the JSON body into v
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	data, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.limits != nil && c.limits.CheckResponse(c.provider, resp.StatusCode) {
		return nil, ErrRateLimited
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

// ErrorKind maps a Get error onto the tile error taxonomy
func ErrorKind(err error) tile.ErrorKind {
	var se *StatusError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return tile.KindProvider
	default:
		return tile.KindIO
	}
}
