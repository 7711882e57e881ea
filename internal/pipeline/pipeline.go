// Package pipeline turns visible tile ids into uploaded textures. Misses are
// fetched in the background through an ordered chain of backends and
// finished in bounded batches on the frame goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/tile"
)

// State is the lifecycle of one tile in the pipeline
type State int

const (
	// NotAvailable means every backend failed or had nothing
	NotAvailable State = iota
	// Pending means a fetch is in flight
	Pending
	// Cached means the tile is uploaded and has a handle
	Cached
)

func (s State) String() string {
	switch s {
	case NotAvailable:
		return "not_available"
	case Pending:
		return "pending"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Options tunes a pipeline. Zero values fall back to defaults.
type Options struct {
	// Name tags metrics and logs, usually the imagery kind
	Name string

	// CacheEntries bounds the number of tracked tiles. The least recently
	// requested tile is dropped first and its handle released.
	CacheEntries int

	// ResultBuffer is the capacity of the completed-fetch queue. Fetchers
	// block when it is full.
	ResultBuffer int

	// MaxInFlight caps concurrent backend walks
	MaxInFlight int64

	// FetchTimeout bounds the whole backend walk for one tile
	FetchTimeout time.Duration

	// RetryAfter is how long a NotAvailable tile is left alone before the
	// next GetTile starts a new fetch
	RetryAfter time.Duration

	// UpdateBudget bounds the wall-clock time of one Update call
	UpdateBudget time.Duration
}

// DefaultOptions returns the options used for unset fields
func DefaultOptions() Options {
	return Options{
		Name:         "tiles",
		CacheEntries: 4096,
		ResultBuffer: 64,
		MaxInFlight:  16,
		FetchTimeout: 20 * time.Second,
		RetryAfter:   30 * time.Second,
		UpdateBudget: 20 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.CacheEntries <= 0 {
		o.CacheEntries = d.CacheEntries
	}
	if o.ResultBuffer <= 0 {
		o.ResultBuffer = d.ResultBuffer
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = d.MaxInFlight
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = d.RetryAfter
	}
	if o.UpdateBudget <= 0 {
		o.UpdateBudget = d.UpdateBudget
	}
	return o
}

// ErrNoBackends is returned by New when the backend chain is empty
var ErrNoBackends = errors.New("pipeline needs at least one backend")

type entry struct {
	state  State
	handle Handle
	since  time.Time
}

type result struct {
	id    tile.ID
	entry *entry
	img   *image.RGBA
}

// Pipeline is the tile state map for one imagery kind.
// GetTile and Update must be called from the same goroutine.
type Pipeline struct {
	opts     Options
	backends []tile.Backend
	uploader Uploader
	sink     metrics.Sink
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    *semaphore.Weighted

	// mu guards tiles and released
	mu       sync.Mutex
	tiles    *simplelru.LRU[uint64, *entry]
	released []Handle

	results chan result

	started  atomic.Int64
	failed   atomic.Int64
	uploaded atomic.Int64
	inFlight atomic.Int64
	closed   atomic.Bool

	now func() time.Time
}

// New creates a pipeline over backends, tried in order
func New(backends []tile.Backend, uploader Uploader, opts Options, sink metrics.Sink, logger zerolog.Logger) (*Pipeline, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:     opts,
		backends: backends,
		uploader: uploader,
		sink:     sink,
		logger:   logger.With().Str("pipeline", opts.Name).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		results:  make(chan result, opts.ResultBuffer),
		now:      time.Now,
	}

	tiles, err := simplelru.NewLRU[uint64, *entry](opts.CacheEntries, p.onEvict)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create tile map: %w", err)
	}
	p.tiles = tiles
	return p, nil
}

// onEvict runs under mu. Handles are released after the lock is dropped.
func (p *Pipeline) onEvict(_ uint64, e *entry) {
	if e.state == Cached {
		p.released = append(p.released, e.handle)
	}
	// An evicted pending entry is orphaned; its result is discarded in finish
	e.state = NotAvailable
	e.handle = 0
}

func (p *Pipeline) takeReleased() []Handle {
	r := p.released
	p.released = nil
	return r
}

func (p *Pipeline) release(handles []Handle) {
	for _, h := range handles {
		p.uploader.Release(h)
	}
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.opts.Name
}

// Backends returns the backend chain in priority order
func (p *Pipeline) Backends() []tile.Backend {
	return p.backends
}

// GetTile returns the handle for id once it is uploaded. On a miss it starts
// a background fetch; at most one fetch per id is in flight.
func (p *Pipeline) GetTile(id tile.ID) (Handle, bool) {
	key := id.Key()

	p.mu.Lock()
	if e, ok := p.tiles.Get(key); ok {
		switch e.state {
		case Cached:
			h := e.handle
			p.mu.Unlock()
			return h, true
		case Pending:
			p.mu.Unlock()
			return 0, false
		case NotAvailable:
			if p.now().Sub(e.since) < p.opts.RetryAfter {
				p.mu.Unlock()
				return 0, false
			}
		}
	}

	if p.closed.Load() {
		p.mu.Unlock()
		return 0, false
	}

	e := &entry{state: Pending, since: p.now()}
	p.tiles.Add(key, e)
	released := p.takeReleased()
	p.mu.Unlock()

	p.release(released)
	p.spawn(id, e)
	return 0, false
}

// State reports the tracked state of id without touching recency
func (p *Pipeline) State(id tile.ID) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tiles.Peek(id.Key())
	if !ok {
		return NotAvailable, false
	}
	return e.state, true
}

func (p *Pipeline) spawn(id tile.ID, e *entry) {
	p.started.Add(1)
	p.sink.Count(metrics.FetchStarted, p.opts.Name, 1)

	p.wg.Add(1)
	go p.fetch(id, e)
}

func (p *Pipeline) fetch(id tile.ID, e *entry) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	p.inFlight.Add(1)
	img := p.walk(id)
	p.inFlight.Add(-1)
	p.sem.Release(1)

	select {
	case p.results <- result{id: id, entry: e, img: img}:
	case <-p.ctx.Done():
	}
}

// walk tries every backend in order and returns the first image
func (p *Pipeline) walk(id tile.ID) *image.RGBA {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.FetchTimeout)
	defer cancel()

	for _, b := range p.backends {
		img, err := tile.Request(ctx, b, id, p.sink)
		if err != nil {
			p.failed.Add(1)
			p.sink.Count(metrics.FetchFailed, b.Name(), 1)
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("backend", b.Name()).Stringer("tile", id).Msg("backend failed, trying next")
			}
			continue
		}
		if img != nil {
			return img
		}
	}
	return nil
}

// Update finishes completed fetches until the queue is empty or the time
// budget is spent. It returns the number of results processed. At least one
// waiting result is always processed.
func (p *Pipeline) Update() int {
	span := metrics.Begin(p.sink, metrics.TileUpdate, p.opts.Name)
	defer span.End()

	deadline := time.Now().Add(p.opts.UpdateBudget)
	n := 0
	for {
		select {
		case r := <-p.results:
			p.finish(r)
			n++
		default:
			return n
		}
		if time.Now().After(deadline) {
			return n
		}
	}
}

func (p *Pipeline) finish(r result) {
	key := r.id.Key()

	p.mu.Lock()
	cur, ok := p.tiles.Peek(key)
	live := ok && cur == r.entry
	if !live || r.img == nil {
		if live {
			cur.state = NotAvailable
			cur.since = p.now()
		}
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	span := metrics.Begin(p.sink, metrics.TileUpload, p.opts.Name)
	h := p.uploader.Upload(r.img)
	span.End()

	p.mu.Lock()
	cur, ok = p.tiles.Peek(key)
	if !ok || cur != r.entry {
		p.mu.Unlock()
		p.uploader.Release(h)
		return
	}
	cur.state = Cached
	cur.handle = h
	p.mu.Unlock()

	p.uploaded.Add(1)
}

// TileSize returns the pixel size reported by the first backend that knows it
func (p *Pipeline) TileSize() (uint32, bool) {
	for _, b := range p.backends {
		if size, ok := b.TileSize(); ok {
			return size, true
		}
	}
	return 0, false
}

// Readiness asks the first backend whether id is available there
func (p *Pipeline) Readiness(ctx context.Context, id tile.ID) tile.Readiness {
	return p.backends[0].Readiness(ctx, id)
}

// FetchBytes walks the chain for the compressed bytes of id without touching
// the tile map. It returns the backend that served them.
func (p *Pipeline) FetchBytes(ctx context.Context, id tile.ID) ([]byte, string, error) {
	var errs []error
	for _, b := range p.backends {
		data, err := b.Fetch(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if data != nil {
			return data, b.Name(), nil
		}
	}
	return nil, "", errors.Join(errs...)
}

// Close stops background fetches and releases every uploaded handle.
// It must be called from the goroutine that calls Update.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.tiles.Purge()
	released := p.takeReleased()
	p.mu.Unlock()
	p.release(released)
}
