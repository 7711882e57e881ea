package rainviewer

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/remote"
	"flightmap-desktop/internal/tile"
)

// IndexState is the lifecycle of the frame index
type IndexState int32

const (
	// Uninitialized: no index yet and nobody is loading one
	Uninitialized IndexState = iota
	// Initializing: no index yet, one task is loading it
	Initializing
	// Ready: the index is usable
	Ready
	// Updating: the index is usable and one task is loading a newer one
	Updating
)

func (s IndexState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "available"
	case Updating:
		return "available_updating"
	default:
		return "unknown"
	}
}

// DefaultRefreshAfter is the age at which the frame index is reloaded
const DefaultRefreshAfter = 5 * time.Minute

// Options configures the weather backend
type Options struct {
	Tile         TileOptions
	MaxZoom      uint32
	RefreshAfter time.Duration
}

// Weather is the network tier for radar imagery. The frame index is loaded
// lazily by the first fetch and refreshed by a single task once it ages out.
type Weather struct {
	client *Client
	store  tile.Writer
	opts   Options
	sink   metrics.Sink
	logger zerolog.Logger

	state atomic.Int32

	// mu guards index and loadedAt. The loading task holds the write lock
	// for the whole initial load so waiters can block on a read lock.
	mu       sync.RWMutex
	index    *Index
	loadedAt time.Time

	now func() time.Time
}

// NewWeather creates the weather backend. store may be nil to disable write-through.
func NewWeather(client *Client, store tile.Writer, opts Options, sink metrics.Sink, logger zerolog.Logger) *Weather {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = DefaultRefreshAfter
	}
	if opts.Tile.Size == 0 {
		opts.Tile.Size = 512
	}
	return &Weather{
		client: client,
		store:  store,
		opts:   opts,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func (w *Weather) Name() string {
	return "rainviewer"
}

// State returns the current index state
func (w *Weather) State() IndexState {
	return IndexState(w.state.Load())
}

// Fetch returns the radar tile for id from the latest published frame
func (w *Weather) Fetch(ctx context.Context, id tile.ID) ([]byte, error) {
	defer metrics.Time(w.sink, metrics.TileRequest, w.Name())()

	if w.opts.MaxZoom > 0 && id.Zoom > w.opts.MaxZoom {
		return nil, nil
	}

	idx, err := w.currentIndex(ctx)
	if err != nil {
		kind := remote.ErrorKind(err)
		if errors.Is(err, ErrEmptyIndex) {
			kind = tile.KindProvider
		}
		return nil, tile.NewError(kind, w.Name(), id, err)
	}

	frame, ok := idx.LatestFrame()
	if !ok {
		return nil, nil
	}

	data, err := w.client.FetchTile(ctx, w.client.TileURL(idx, frame, id, w.opts.Tile))
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, tile.NewError(remote.ErrorKind(err), w.Name(), id, err)
	}

	if w.store != nil {
		if err := w.store.Persist(id, data); err != nil {
			w.logger.Warn().Err(err).Stringer("tile", id).Msg("failed to cache weather tile")
		}
	}
	return data, nil
}

// currentIndex returns a usable index, loading or refreshing it when needed
func (w *Weather) currentIndex(ctx context.Context) (*Index, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state := IndexState(w.state.Load())
		switch state {
		case Uninitialized:
			if !w.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
				continue
			}
			w.mu.Lock()
			idx, err := w.load(ctx)
			if err != nil {
				w.state.Store(int32(Uninitialized))
				w.mu.Unlock()
				w.logger.Warn().Err(err).Msg("failed to initialize weather index")
				return nil, err
			}
			w.index, w.loadedAt = idx, w.now()
			w.state.Store(int32(Ready))
			w.mu.Unlock()

		case Initializing:
			// Give the loader a chance to take the write lock, then block until it releases it
			runtime.Gosched()
			w.mu.RLock()
			w.mu.RUnlock()

		case Ready, Updating:
			w.mu.RLock()
			idx, loadedAt := w.index, w.loadedAt
			w.mu.RUnlock()

			if state == Ready && w.now().Sub(loadedAt) > w.opts.RefreshAfter &&
				w.state.CompareAndSwap(int32(Ready), int32(Updating)) {
				return w.refresh(ctx, idx), nil
			}
			return idx, nil
		}
	}
}

// refresh replaces the index and returns the one to use. On failure the old
// index stays in use and the next attempt waits another RefreshAfter.
func (w *Weather) refresh(ctx context.Context, old *Index) *Index {
	defer w.state.Store(int32(Ready))

	w.logger.Debug().Msg("refreshing weather index")
	idx, err := w.load(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.loadedAt = w.now()
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to refresh weather index, keeping previous frames")
		return old
	}
	w.index = idx
	return idx
}

func (w *Weather) load(ctx context.Context) (*Index, error) {
	defer metrics.Time(w.sink, metrics.IndexRefresh, w.Name())()
	return w.client.FetchIndex(ctx)
}

// Readiness is always Unknown: the index says nothing about individual tiles
func (w *Weather) Readiness(ctx context.Context, id tile.ID) tile.Readiness {
	if w.opts.MaxZoom > 0 && id.Zoom > w.opts.MaxZoom {
		return tile.NotAvailable
	}
	return tile.Unknown
}

func (w *Weather) TileSize() (uint32, bool) {
	return w.opts.Tile.Size, true
}
