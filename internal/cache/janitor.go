package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor periodically sweeps stale tiles out of every store.
// It implements suture.Service.
type Janitor struct {
	stores   []Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewJanitor creates a janitor for stores
func NewJanitor(interval time.Duration, logger zerolog.Logger, stores ...Store) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		stores:   stores,
		interval: interval,
		logger:   logger,
	}
}

// Serve sweeps once at start and then on every tick until ctx is done
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.SweepAll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepAll sweeps every store and returns the total number of removed tiles
func (j *Janitor) SweepAll(ctx context.Context) int {
	total := 0
	for _, s := range j.stores {
		n, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return total
			}
			j.logger.Warn().Err(err).Str("store", s.Name()).Msg("cache sweep failed")
			continue
		}
		if n > 0 {
			j.logger.Info().Int("removed", n).Str("store", s.Name()).Msg("swept stale tiles")
		}
		total += n
	}
	return total
}

func (j *Janitor) String() string {
	return "cache-janitor"
}
