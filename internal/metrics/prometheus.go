package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports samples as histograms and counters on its own registry
type PrometheusSink struct {
	registry  *prometheus.Registry
	durations *prometheus.HistogramVec
	counts    *prometheus.CounterVec
}

// NewPrometheusSink creates a sink with a dedicated registry
func NewPrometheusSink(namespace string) *PrometheusSink {
	reg := prometheus.NewRegistry()

	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of tile core operations in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "source"},
	)

	counts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of tile core events",
		},
		[]string{"event", "source"},
	)

	reg.MustRegister(durations, counts)

	return &PrometheusSink{
		registry:  reg,
		durations: durations,
		counts:    counts,
	}
}

// Registry exposes the registry for the /metrics handler
func (p *PrometheusSink) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusSink) Observe(name, source string, d time.Duration) {
	p.durations.WithLabelValues(name, source).Observe(d.Seconds())
}

func (p *PrometheusSink) Count(name, source string, n int) {
	p.counts.WithLabelValues(name, source).Add(float64(n))
}
