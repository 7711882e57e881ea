package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/thejerf/suture/v4"

	"flightmap-desktop/internal/cache"
	"flightmap-desktop/internal/common"
	"flightmap-desktop/internal/config"
	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/esri"
	"flightmap-desktop/internal/handlers/tileserver"
	"flightmap-desktop/internal/logging"
	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/pipeline"
	"flightmap-desktop/internal/rainviewer"
	"flightmap-desktop/internal/ratelimit"
	"flightmap-desktop/internal/remote"
	"flightmap-desktop/internal/taskqueue"
	"flightmap-desktop/internal/tile"
	"flightmap-desktop/internal/view"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App owns the tile core: cache tiers, provider clients, the pipelines and
// the services that drive them.
type App struct {
	cfg       *config.Config
	logger    zerolog.Logger
	installID string

	sink      metrics.Sink
	prom      *metrics.PrometheusSink
	telemetry *metrics.PostHogSink
	phClient  posthog.Client

	db        *badger.DB
	stores    map[tile.Kind]cache.Store
	limits    *ratelimit.Handler
	satellite *esri.Satellite
	weather   *rainviewer.Weather

	uploader   *pipeline.MemoryUploader
	pipelines  *pipeline.Set
	prefetcher *downloads.Prefetcher
	queue      *taskqueue.QueueManager
	frames     *FrameLoop
	janitor    *cache.Janitor
	server     *tileserver.Server

	closeOnce sync.Once
}

// NewApp wires the application from cfg. Nothing touches the network until Run.
func NewApp(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logging.Component("app"),
		stores:   make(map[tile.Kind]cache.Store),
		uploader: pipeline.NewMemoryUploader(),
		prom:     metrics.NewPrometheusSink("flightmap"),
	}

	installID, err := config.EnsureInstallID(config.SettingsDir())
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to persist install id, using an ephemeral one")
	}
	a.installID = installID

	a.initTelemetry()
	a.initRateLimits()

	if err := a.openStores(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPipelines(); err != nil {
		a.Close()
		return nil, err
	}

	a.prefetcher = downloads.NewPrefetcher(cfg.Prefetch.Workers, cfg.Prefetch.MaxTiles,
		a.onPrefetchProgress, a.sink, logging.Component("prefetch"))
	a.queue = taskqueue.NewQueueManager(cfg.Prefetch.QueueDir, a, logging.Component("queue"))
	a.queue.SetCallbacks(nil, a.onTaskComplete)

	tv := view.New(cfg.View.Latitude, cfg.View.Longitude, cfg.View.Zoom, cfg.View.Width)
	a.frames = NewFrameLoop(tv, cfg.View.Width, cfg.View.Height, cfg.View.FrameRate,
		a.pipelines, a.sink, logging.Component("frames"))

	a.janitor = cache.NewJanitor(cfg.Cache.SweepInterval, logging.Component("cache"), lo.Values(a.stores)...)

	if cfg.Server.Enabled {
		a.server = tileserver.NewServer(a.pipelines, a.stores, a.limits, a.prefetcher, tileserver.Options{
			Addr:        cfg.Server.Addr,
			CORSOrigins: cfg.Server.CORSOrigins,
			MaxZoom: map[tile.Kind]uint32{
				tile.Satellite: cfg.Satellite.MaxZoom,
				tile.Weather:   cfg.Weather.MaxZoom,
			},
			Gatherer: a.prom.Registry(),
			Jobs:     a,
		}, logging.Component("tileserver"))
	}

	return a, nil
}

// initTelemetry sets up the metric sinks. Prometheus is always on; PostHog
// only when enabled and a key is configured or linked in.
func (a *App) initTelemetry() {
	a.sink = a.prom

	tc := a.cfg.Telemetry
	key := lo.Ternary(tc.APIKey != "", tc.APIKey, PostHogKey)
	if !tc.Enabled || key == "" {
		return
	}

	host := lo.Ternary(tc.Host != "", tc.Host, PostHogHost)
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to initialize PostHog")
		return
	}

	distinctID := lo.Ternary(a.installID != "", a.installID, "backend_user")
	a.phClient = client
	a.telemetry = metrics.NewPostHogSink(client, distinctID, tc.FlushInterval, logging.Component("telemetry"))
	a.sink = metrics.Multi{a.prom, a.telemetry}
}

// openStores opens one cache tier per enabled imagery kind
func (a *App) openStores() error {
	cc := a.cfg.Cache
	ttls := map[tile.Kind]time.Duration{
		tile.Satellite: cc.SatelliteTTL,
		tile.Weather:   cc.WeatherTTL,
	}
	kinds := lo.Filter([]tile.Kind{tile.Satellite, tile.Weather}, func(k tile.Kind, _ int) bool {
		return a.kindEnabled(k)
	})

	logger := logging.Component("cache")

	if cc.Engine == "badger" {
		db, err := cache.OpenKV(filepath.Join(cc.Root, "kv"))
		if err != nil {
			return err
		}
		a.db = db
		for _, kind := range kinds {
			a.stores[kind] = cache.NewKV(db, kind, ttls[kind], a.sink, logger)
		}
		return nil
	}

	for _, kind := range kinds {
		a.stores[kind] = cache.NewDisk(cache.DataFor(cc.Root, kind, ttls[kind]), a.sink, logger)
	}
	return nil
}

func (a *App) kindEnabled(kind tile.Kind) bool {
	switch kind {
	case tile.Satellite:
		return a.cfg.Satellite.Enabled
	case tile.Weather:
		return a.cfg.Weather.Enabled
	}
	return false
}

func (a *App) newRemote(provider string) *remote.Client {
	bc := a.cfg.Breaker
	return remote.New(remote.Options{
		Provider:  provider,
		UserAgent: a.cfg.Remote.UserAgent,
		Timeout:   a.cfg.Remote.Timeout,
		Breaker: remote.BreakerSettings{
			MaxRequests:         bc.MaxRequests,
			Interval:            bc.Interval,
			Timeout:             bc.Timeout,
			ConsecutiveFailures: bc.ConsecutiveFailures,
		},
	}, a.limits, logging.Component("remote"))
}

func (a *App) pipelineOptions(kind tile.Kind) pipeline.Options {
	pc := a.cfg.Pipeline
	return pipeline.Options{
		Name:         kind.String(),
		CacheEntries: pc.CacheEntries,
		ResultBuffer: pc.ResultBuffer,
		MaxInFlight:  pc.MaxInFlight,
		FetchTimeout: pc.FetchTimeout,
		RetryAfter:   pc.RetryAfter,
		UpdateBudget: pc.UpdateBudget,
	}
}

// initPipelines builds the cache-then-network chain of every enabled layer
func (a *App) initPipelines() error {
	a.pipelines = &pipeline.Set{}
	logger := logging.Component("pipeline")

	if a.cfg.Satellite.Enabled {
		sc := a.cfg.Satellite
		store := a.stores[tile.Satellite]
		client := esri.NewClient(a.newRemote(common.ProviderEsri), sc.TileURL, sc.TileMapURL)
		a.satellite = esri.NewSatellite(client, store, sc.MaxZoom, a.sink, logging.Component("esri"))

		p, err := pipeline.New([]tile.Backend{store, a.satellite}, a.uploader, a.pipelineOptions(tile.Satellite), a.sink, logger)
		if err != nil {
			return fmt.Errorf("failed to create satellite pipeline: %w", err)
		}
		a.pipelines.Satellite = p
	}

	if a.cfg.Weather.Enabled {
		wc := a.cfg.Weather
		opts := rainviewer.Options{
			Tile: rainviewer.TileOptions{
				Size:   wc.Size,
				Color:  wc.Color,
				Smooth: wc.Smooth,
				Snow:   wc.Snow,
			},
			MaxZoom:      wc.MaxZoom,
			RefreshAfter: wc.RefreshAfter,
		}
		if err := opts.Tile.Validate(); err != nil {
			return fmt.Errorf("invalid weather tile options: %w", err)
		}

		store := a.stores[tile.Weather]
		client := rainviewer.NewClient(a.newRemote(common.ProviderRainViewer), wc.IndexURL)
		a.weather = rainviewer.NewWeather(client, store, opts, a.sink, logging.Component("rainviewer"))

		p, err := pipeline.New([]tile.Backend{store, a.weather}, a.uploader, a.pipelineOptions(tile.Weather), a.sink, logger)
		if err != nil {
			return fmt.Errorf("failed to create weather pipeline: %w", err)
		}
		a.pipelines.Weather = p
	}

	if len(a.pipelines.All()) == 0 {
		return errors.New("no imagery layer is enabled")
	}
	return nil
}

func (a *App) onPrefetchProgress(p downloads.DownloadProgress) {
	a.logger.Debug().
		Int("downloaded", p.Downloaded).
		Int("total", p.Total).
		Int("percent", p.Percent).
		Msg(p.Status)
}

// Run supervises the frame loop, the cache janitor, the prefetch queue, the
// tile server and the telemetry flusher until ctx is canceled, then releases
// every resource.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	hook := supervisorEventHook(logging.Component("supervisor"))
	spec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	}
	childSpec := spec
	childSpec.EventHook = nil

	root := suture.New("flightmap", spec)
	tiles := suture.New("tile-layer", childSpec)
	root.Add(tiles)

	tiles.Add(a.frames)
	tiles.Add(a.janitor)
	tiles.Add(a.queue)

	if a.server != nil {
		api := suture.New("api-layer", childSpec)
		api.Add(a.server)
		root.Add(api)
	}
	if a.telemetry != nil {
		root.Add(a.telemetry)
	}

	err := root.Serve(ctx)

	if unstopped, _ := root.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			a.logger.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}
	return err
}

// Close stops in-flight fetches and releases caches and clients. Safe to call twice.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.pipelines != nil {
			a.pipelines.Close()
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close tile database")
			}
		}
		if a.phClient != nil {
			if err := a.phClient.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close PostHog client")
			}
		}
	})
}

// supervisorEventHook logs supervisor events through zerolog
func supervisorEventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
			ev = logger.Warn()
		case suture.EventTypeBackoff:
			ev = logger.Error()
		default:
			ev = logger.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}
