package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
)

// Enqueuer is the subset of posthog.Client used for telemetry
type Enqueuer interface {
	Enqueue(posthog.Message) error
}

// PostHogSink aggregates counters locally and ships them as a single
// usage event per flush interval. Durations are summarised as totals
// and counts so no per-tile event ever leaves the process.
type PostHogSink struct {
	client     Enqueuer
	distinctID string
	interval   time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	counts    map[string]int
	durations map[string]time.Duration
	observed  map[string]int
}

// NewPostHogSink creates a telemetry sink. distinctID should be the per-install id.
func NewPostHogSink(client Enqueuer, distinctID string, interval time.Duration, logger zerolog.Logger) *PostHogSink {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PostHogSink{
		client:     client,
		distinctID: distinctID,
		interval:   interval,
		logger:     logger,
		counts:     make(map[string]int),
		durations:  make(map[string]time.Duration),
		observed:   make(map[string]int),
	}
}

func (p *PostHogSink) Observe(name, source string, d time.Duration) {
	key := name + "." + source
	p.mu.Lock()
	p.durations[key] += d
	p.observed[key]++
	p.mu.Unlock()
}

func (p *PostHogSink) Count(name, source string, n int) {
	key := name + "." + source
	p.mu.Lock()
	p.counts[key] += n
	p.mu.Unlock()
}

// Flush sends the aggregated values and resets them. Nothing is sent when idle.
func (p *PostHogSink) Flush() error {
	p.mu.Lock()
	if len(p.counts) == 0 && len(p.observed) == 0 {
		p.mu.Unlock()
		return nil
	}

	props := posthog.NewProperties()
	for k, v := range p.counts {
		props.Set(k, v)
	}
	for k, n := range p.observed {
		props.Set(k+".count", n)
		props.Set(k+".avg_ms", float64(p.durations[k].Microseconds())/1000/float64(n))
	}
	p.counts = make(map[string]int)
	p.durations = make(map[string]time.Duration)
	p.observed = make(map[string]int)
	p.mu.Unlock()

	return p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      "tile_core_stats",
		Properties: props,
	})
}

// Serve flushes on an interval until ctx is cancelled. It satisfies suture.Service.
func (p *PostHogSink) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(); err != nil {
				p.logger.Warn().Err(err).Msg("final telemetry flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				p.logger.Warn().Err(err).Msg("telemetry flush failed")
			}
		}
	}
}

func (p *PostHogSink) String() string {
	return "telemetry-flusher"
}
