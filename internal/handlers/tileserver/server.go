package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"flightmap-desktop/internal/cache"
	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/pipeline"
	"flightmap-desktop/internal/ratelimit"
	"flightmap-desktop/internal/taskqueue"
	"flightmap-desktop/internal/tile"
)

// Options configures the tile server
type Options struct {
	// Addr is the listen address. Port 0 picks a free port.
	Addr        string
	CORSOrigins []string

	// MaxZoom is the deepest prefetchable zoom per kind
	MaxZoom map[tile.Kind]uint32

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Jobs backs the /jobs endpoints. Nil disables them.
	Jobs Jobs
}

// Jobs is the prefetch queue behind the /jobs endpoints
type Jobs interface {
	QueuePrefetch(name, kind string, bbox downloads.BoundingBox, zoom uint32, priority int) (*taskqueue.PrefetchTask, error)
	GetQueueStatus() taskqueue.QueueStatus
	GetQueueTasks() []*taskqueue.PrefetchTask
	GetPrefetchTask(id string) (*taskqueue.PrefetchTask, error)
	CancelPrefetch(id string) error
}

// Server exposes the tile pipelines over local HTTP
type Server struct {
	pipelines  *pipeline.Set
	stores     map[tile.Kind]cache.Store
	limits     *ratelimit.Handler
	prefetcher *downloads.Prefetcher
	opts       Options
	logger     zerolog.Logger

	mu            sync.RWMutex
	tileServerURL string
}

// NewServer creates a new tile server instance
func NewServer(pipelines *pipeline.Set, stores map[tile.Kind]cache.Store, limits *ratelimit.Handler, prefetcher *downloads.Prefetcher, opts Options, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		pipelines:  pipelines,
		stores:     stores,
		limits:     limits,
		prefetcher: prefetcher,
		opts:       opts,
		logger:     logger,
	}
}

// GetTileServerURL returns the tile server URL once it is listening
func (s *Server) GetTileServerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tileServerURL
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		ExposedHeaders: []string{"X-Tile-Source"},
		MaxAge:         300,
	}))

	r.Get("/tiles/{kind}/{z}/{x}/{y}", s.handleTile)
	r.Get("/stats", s.handleStats)
	r.Delete("/cache/{kind}", s.handleClearCache)
	r.Get("/ratelimit/{provider}", s.handleRateLimitState)
	r.Post("/ratelimit/{provider}/retry", s.handleRateLimitRetry)
	r.Post("/prefetch/{kind}", s.handlePrefetch)

	if s.opts.Jobs != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleQueueJob)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
		})
	}

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve listens on the configured address until ctx is canceled
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	url := "http://" + listener.Addr().String()
	s.mu.Lock()
	s.tileServerURL = url
	s.mu.Unlock()
	s.logger.Info().Str("url", url).Msg("tile server started")

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("tile server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tile server shutdown failed: %w", err)
		}
		<-errCh
		s.logger.Info().Msg("tile server stopped")
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "tile-server"
}
