package metrics

import (
	"sync"
	"time"
)

// Metric names recorded by the tile core
const (
	TileRequest  = "tile_request"
	TileDecode   = "tile_decode"
	TileUpload   = "tile_upload"
	TileUpdate   = "pipeline_update"
	FetchStarted = "fetch_started"
	FetchFailed  = "fetch_failed"
	TileRendered = "tile_rendered"
	IndexRefresh = "weather_index_refresh"
	RateLimited  = "rate_limited"
)

// Sink receives named performance samples.
// Source tags the sample with the backend or pipeline that produced it.
// Implementations must be safe for concurrent use.
type Sink interface {
	Observe(name, source string, d time.Duration)
	Count(name, source string, n int)
}

// Nop discards every sample
type Nop struct{}

func (Nop) Observe(string, string, time.Duration) {}
func (Nop) Count(string, string, int)             {}

// Span is an explicit begin/end timing scope
type Span struct {
	sink   Sink
	name   string
	source string
	start  time.Time
}

// Begin starts a span. Call End on every exit path.
func Begin(s Sink, name, source string) Span {
	return Span{sink: s, name: name, source: source, start: time.Now()}
}

// End records the elapsed time since Begin and returns it
func (sp Span) End() time.Duration {
	d := time.Since(sp.start)
	if sp.sink != nil {
		sp.sink.Observe(sp.name, sp.source, d)
	}
	return d
}

// Time starts a span and returns its End for use with defer:
//
//	defer metrics.Time(sink, metrics.TileRequest, "disk")()
func Time(s Sink, name, source string) func() {
	sp := Begin(s, name, source)
	return func() { sp.End() }
}

// Multi fans samples out to several sinks
type Multi []Sink

func (m Multi) Observe(name, source string, d time.Duration) {
	for _, s := range m {
		s.Observe(name, source, d)
	}
}

func (m Multi) Count(name, source string, n int) {
	for _, s := range m {
		s.Count(name, source, n)
	}
}

// Sample is one recorded observation
type Sample struct {
	Name     string
	Source   string
	Duration time.Duration
}

// Recorder keeps every sample in memory. Used by tests and the stats endpoint.
type Recorder struct {
	mu       sync.Mutex
	samples  []Sample
	counters map[string]int
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{counters: make(map[string]int)}
}

func (r *Recorder) Observe(name, source string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{Name: name, Source: source, Duration: d})
}

func (r *Recorder) Count(name, source string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"/"+source] += n
}

// Samples returns a copy of the observations matching name
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Sample
	for _, s := range r.samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Counter returns the accumulated count for name and source
func (r *Recorder) Counter(name, source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name+"/"+source]
}
