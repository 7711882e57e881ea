package downloads

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flightmap-desktop/internal/common"
	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/tile"
)

// Source is a backend chain that can be warmed. Remote tiers write fetched
// bytes through to the cache tier, so fetching a tile is enough to cache it.
type Source interface {
	Name() string
	Readiness(ctx context.Context, id tile.ID) tile.Readiness
	FetchBytes(ctx context.Context, id tile.ID) ([]byte, string, error)
}

// Request is one prefetch job
type Request struct {
	BoundingBox
	Zoom uint32 `json:"zoom"`
}

// Summary reports what a prefetch did
type Summary struct {
	Total    int           `json:"total"`
	Cached   int           `json:"already_cached"`
	Fetched  int           `json:"fetched"`
	Missing  int           `json:"missing"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Prefetcher warms the cache tier for a bounding box
type Prefetcher struct {
	maxWorkers       int
	maxTiles         int
	progressCallback func(DownloadProgress)
	sink             metrics.Sink
	logger           zerolog.Logger
}

// NewPrefetcher creates a prefetcher. progressCallback may be nil.
func NewPrefetcher(maxWorkers, maxTiles int, progressCallback func(DownloadProgress), sink metrics.Sink, logger zerolog.Logger) *Prefetcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Prefetcher{
		maxWorkers:       maxWorkers,
		maxTiles:         maxTiles,
		progressCallback: progressCallback,
		sink:             sink,
		logger:           logger,
	}
}

// Plan returns the tiles a request covers
func (p *Prefetcher) Plan(req Request, maxZoom uint32) ([]tile.ID, error) {
	if err := ValidateCoordinates(req.BoundingBox, req.Zoom, maxZoom); err != nil {
		return nil, err
	}

	bounds, err := common.BoundsForBox(req.South, req.West, req.North, req.East, req.Zoom)
	if err != nil {
		return nil, err
	}
	if bounds.Count() > int64(p.maxTiles) {
		return nil, fmt.Errorf("area covers %d tiles, limit is %d", bounds.Count(), p.maxTiles)
	}
	return bounds.IDs(), nil
}

// Run fetches every tile of req through src. Tiles the first tier already
// reports as available are skipped. Individual tile failures are counted, not
// returned; only cancellation stops the run early.
func (p *Prefetcher) Run(ctx context.Context, src Source, req Request, maxZoom uint32) (Summary, error) {
	return p.RunWithProgress(ctx, src, req, maxZoom, p.progressCallback)
}

// RunWithProgress is Run reporting to progress instead of the prefetcher's callback
func (p *Prefetcher) RunWithProgress(ctx context.Context, src Source, req Request, maxZoom uint32, progress func(DownloadProgress)) (Summary, error) {
	start := time.Now()
	emitProgress := func(dp DownloadProgress) {
		if progress != nil {
			progress(dp)
		}
	}

	ids, err := p.Plan(req, maxZoom)
	if err != nil {
		return Summary{}, err
	}

	logger := p.logger.With().Str("source", src.Name()).Uint32("zoom", req.Zoom).Int("tiles", len(ids)).Logger()
	logger.Info().Msg("prefetch started")

	var cached, fetched, missing, failed, done atomic.Int64
	var progressMu sync.Mutex
	report := func() {
		n := int(done.Add(1))
		progressMu.Lock()
		defer progressMu.Unlock()
		emitProgress(DownloadProgress{
			Downloaded: n,
			Total:      len(ids),
			Percent:    n * 100 / len(ids),
			Status:     fmt.Sprintf("Prefetching tile %d/%d", n, len(ids)),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)

	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer report()

			if src.Readiness(gctx, id) == tile.Available {
				cached.Add(1)
				return nil
			}

			data, from, err := src.FetchBytes(gctx, id)
			switch {
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				p.sink.Count(metrics.FetchFailed, src.Name(), 1)
				logger.Debug().Err(err).Stringer("tile", id).Msg("prefetch tile failed")
			case data == nil:
				missing.Add(1)
			default:
				fetched.Add(1)
				logger.Trace().Stringer("tile", id).Str("backend", from).Msg("prefetched tile")
			}
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	summary := Summary{
		Total:    len(ids),
		Cached:   int(cached.Load()),
		Fetched:  int(fetched.Load()),
		Missing:  int(missing.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}

	if err != nil {
		logger.Warn().Err(err).Interface("summary", summary).Msg("prefetch interrupted")
		return summary, err
	}

	logger.Info().
		Int("cached", summary.Cached).
		Int("fetched", summary.Fetched).
		Int("missing", summary.Missing).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("prefetch complete")
	emitProgress(DownloadProgress{Downloaded: len(ids), Total: len(ids), Percent: 100, Status: "Complete"})
	return summary, nil
}
