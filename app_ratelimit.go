package main

import (
	"fmt"
	"path/filepath"

	"flightmap-desktop/internal/cache"
	"flightmap-desktop/internal/common"
	"flightmap-desktop/internal/logging"
	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/ratelimit"
	"flightmap-desktop/internal/tile"
)

// initRateLimits creates the shared rate limit handler with one token bucket per provider
func (a *App) initRateLimits() {
	a.limits = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), logging.Component("ratelimit"))
	a.limits.SetLimit(common.ProviderEsri, a.cfg.Satellite.RequestsPerSecond, a.cfg.Satellite.Burst)
	a.limits.SetLimit(common.ProviderRainViewer, a.cfg.Weather.RequestsPerSecond, a.cfg.Weather.Burst)

	a.limits.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		a.sink.Count(metrics.RateLimited, event.Provider, 1)
		a.logger.Warn().
			Str("provider", common.ProviderDisplayName(event.Provider)).
			Time("next_retry", event.NextRetryAt).
			Msg(event.Message)
	})
	a.limits.SetOnRetry(func(event ratelimit.RateLimitEvent) {
		a.logger.Info().Str("provider", event.Provider).Int("attempt", event.RetryAttempt).Msg("retrying rate limited provider")
	})
	a.limits.SetOnRecovered(func(provider string) {
		a.logger.Info().Str("provider", common.ProviderDisplayName(provider)).Msg("provider recovered from rate limit")
	})
}

// Rate Limit Management Functions

// ManualRetryRateLimit allows user to manually trigger a retry for a rate-limited provider
func (a *App) ManualRetryRateLimit(provider string) {
	if a.limits != nil {
		a.limits.ManualRetry(provider)
	}
}

// GetRateLimitStatus returns the current rate limit state for a provider
func (a *App) GetRateLimitStatus(provider string) *ratelimit.RateLimitEvent {
	if a.limits != nil {
		return a.limits.GetCurrentState(provider)
	}
	return nil
}

// IsRateLimited checks if a provider is currently rate limited
func (a *App) IsRateLimited(provider string) bool {
	if a.limits != nil {
		return a.limits.IsRateLimited(provider)
	}
	return false
}

// SetAutoRetryRateLimit enables or disables automatic rate limit retries
func (a *App) SetAutoRetryRateLimit(enabled bool) {
	if a.limits != nil {
		a.limits.SetAutoRetry(enabled)
	}
}

// Cache Management Functions

// CacheStats represents cache statistics for frontend
type CacheStats struct {
	Entries   int     `json:"entries"`
	Stale     int     `json:"stale"`
	SizeBytes int64   `json:"sizeBytes"`
	SizeMB    float64 `json:"sizeMB"`
	CachePath string  `json:"cachePath"`
}

// GetCacheStats returns statistics of every cache tier, keyed by imagery kind
func (a *App) GetCacheStats() (map[string]CacheStats, error) {
	out := make(map[string]CacheStats, len(a.stores))
	for kind, store := range a.stores {
		st, err := store.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s cache stats: %w", kind, err)
		}
		out[kind.String()] = CacheStats{
			Entries:   st.Entries,
			Stale:     st.Stale,
			SizeBytes: st.Bytes,
			SizeMB:    float64(st.Bytes) / 1024 / 1024,
			CachePath: a.cachePath(kind, store),
		}
	}
	return out, nil
}

func (a *App) cachePath(kind tile.Kind, store cache.Store) string {
	if disk, ok := store.(*cache.Disk); ok {
		return disk.Data().Folder
	}
	return filepath.Join(a.cfg.Cache.Root, "kv")
}

// ClearCache removes all cached tiles of one kind, or of every kind when kind is empty
func (a *App) ClearCache(kind string) error {
	if kind == "" {
		for k, store := range a.stores {
			if err := store.Clear(); err != nil {
				return fmt.Errorf("failed to clear %s cache: %w", k, err)
			}
		}
		return nil
	}

	k, err := tile.ParseKind(kind)
	if err != nil {
		return err
	}
	store, ok := a.stores[k]
	if !ok {
		return fmt.Errorf("%s imagery is disabled", k)
	}
	return store.Clear()
}
