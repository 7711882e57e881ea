package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"flightmap-desktop/internal/common"
)

// ErrRateLimited is returned by Wait while a provider is cooling down
var ErrRateLimited = errors.New("provider is rate limited")

// RetryStrategy defines the cooldown intervals after a provider rate limits us
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy returns backoff intervals sized for interactive tile fetching
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			time.Minute,
			2 * time.Minute,
			5 * time.Minute,
			10 * time.Minute,
		},
		MaxRetries: 10,
	}
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler tracks per-provider rate limits and paces outgoing requests.
// Cooldowns are evaluated lazily on the next Wait, so no timers run.
type Handler struct {
	mu               sync.RWMutex
	rateLimited      map[string]*RateLimitEvent
	retried          map[string]bool
	limiters         map[string]*rate.Limiter
	strategy         *RetryStrategy
	onRateLimit      func(event RateLimitEvent)
	onRetry          func(event RateLimitEvent)
	onRecovered      func(provider string)
	autoRetryEnabled bool
	logger           zerolog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, logger zerolog.Logger) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}

	return &Handler{
		rateLimited:      make(map[string]*RateLimitEvent),
		retried:          make(map[string]bool),
		limiters:         make(map[string]*rate.Limiter),
		strategy:         strategy,
		autoRetryEnabled: true,
		logger:           logger,
	}
}

// SetLimit installs a token bucket for provider. rps <= 0 removes pacing.
func (h *Handler) SetLimit(provider string, rps float64, burst int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rps <= 0 {
		delete(h.limiters, provider)
		return
	}
	h.limiters[provider] = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRetry sets the callback fired when a cooldown lapses and requests resume
func (h *Handler) SetOnRetry(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetry = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a provider is currently cooling down
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.coolingDown(provider, time.Now())
}

// coolingDown must be called with mu held
func (h *Handler) coolingDown(provider string, now time.Time) bool {
	event, limited := h.rateLimited[provider]
	if !limited {
		return false
	}
	if !h.autoRetryEnabled || event.RetryAttempt >= h.strategy.MaxRetries {
		return true
	}
	return now.Before(event.NextRetryAt)
}

// Wait blocks until provider may send a request. It fails fast with
// ErrRateLimited during a cooldown.
func (h *Handler) Wait(ctx context.Context, provider string) error {
	h.mu.Lock()
	if h.coolingDown(provider, time.Now()) {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	}

	// First request after a lapsed cooldown is the retry probe
	if event, limited := h.rateLimited[provider]; limited && !h.retried[provider] {
		h.retried[provider] = true
		h.logger.Info().Str("provider", provider).Int("attempt", event.RetryAttempt).Msg("cooldown elapsed, retrying")
		if h.onRetry != nil {
			go h.onRetry(*event)
		}
	}
	limiter := h.limiters[provider]
	h.mu.Unlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// CheckResponse analyzes an HTTP status for rate limit indicators
func (h *Handler) CheckResponse(provider string, statusCode int) bool {
	isRateLimited := statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusForbidden ||
		statusCode == 509 // Bandwidth Limit Exceeded

	if !isRateLimited {
		h.checkRecovery(provider)
		return false
	}

	h.recordRateLimit(provider, statusCode)
	return true
}

func (h *Handler) recordRateLimit(provider string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, exists := h.rateLimited[provider]

	retryAttempt := 0
	if exists {
		// Concurrent responses from the same burst count once
		if time.Now().Before(existing.NextRetryAt) {
			return
		}
		retryAttempt = existing.RetryAttempt + 1
	}

	interval := h.strategy.Intervals[min(retryAttempt, len(h.strategy.Intervals)-1)]
	now := time.Now()
	nextRetryAt := now.Add(interval)

	event := RateLimitEvent{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  nextRetryAt,
		Message:      buildMessage(provider, statusCode, retryAttempt, interval),
	}

	h.rateLimited[provider] = &event
	delete(h.retried, provider)

	h.logger.Warn().
		Str("provider", provider).
		Int("status", statusCode).
		Int("attempt", retryAttempt).
		Time("next_retry_at", nextRetryAt).
		Msg("provider rate limited")

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}
}

func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[provider]; exists {
		delete(h.rateLimited, provider)
		delete(h.retried, provider)
		h.logger.Info().Str("provider", provider).Msg("rate limit cleared")

		if h.onRecovered != nil {
			go h.onRecovered(provider)
		}
	}
}

// ManualRetry clears a provider's cooldown immediately
func (h *Handler) ManualRetry(provider string) {
	h.mu.Lock()
	event, exists := h.rateLimited[provider]
	if !exists {
		h.mu.Unlock()
		return
	}

	h.logger.Info().Str("provider", provider).Msg("manual retry requested")

	delete(h.rateLimited, provider)
	delete(h.retried, provider)
	callback := h.onRetry
	h.mu.Unlock()

	if callback != nil {
		go callback(*event)
	}
}

// SetAutoRetry enables or disables lapsing cooldowns. When disabled a rate
// limited provider stays blocked until ManualRetry.
func (h *Handler) SetAutoRetry(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoRetryEnabled = enabled
}

// GetCurrentState returns a copy of the provider's rate limit state, or nil
func (h *Handler) GetCurrentState(provider string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[provider]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(provider string, statusCode int, retryAttempt int, wait time.Duration) string {
	name := common.ProviderDisplayName(provider)

	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Tile requests paused for %s.",
			name, statusCode, wait.Round(time.Second))
	}
	return fmt.Sprintf("%s still rate limited (retry attempt %d). Next retry in %s.",
		name, retryAttempt+1, wait.Round(time.Second))
}
