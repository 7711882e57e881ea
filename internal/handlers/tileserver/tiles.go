package tileserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"flightmap-desktop/internal/cache"
	"flightmap-desktop/internal/common"
	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/pipeline"
	"flightmap-desktop/internal/tile"
)

// handleTile serves the compressed bytes of a tile through the backend chain
// URL format: /tiles/{kind}/{z}/{x}/{y}
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	p, kind, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}

	id, err := parseTileID(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, from, err := p.FetchBytes(r.Context(), id)
	if err != nil {
		s.logger.Warn().Err(err).Stringer("kind", kind).Stringer("tile", id).Msg("failed to serve tile")
		// Serve transparent tile on error
		serveTransparentTile(w)
		return
	}
	if data == nil {
		http.Error(w, "tile not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", kind.ContentType())
	w.Header().Set("Cache-Control", cacheControl(kind))
	w.Header().Set("X-Tile-Source", from)
	w.Write(data)
}

func parseTileID(zs, xs, ys string) (tile.ID, error) {
	z, err := strconv.ParseUint(zs, 10, 32)
	if err != nil {
		return tile.ID{}, fmt.Errorf("invalid zoom level %q", zs)
	}
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil {
		return tile.ID{}, fmt.Errorf("invalid X coordinate %q", xs)
	}
	y, err := strconv.ParseUint(ys, 10, 32)
	if err != nil {
		return tile.ID{}, fmt.Errorf("invalid Y coordinate %q", ys)
	}

	if err := downloads.ValidateTileCoordinates(uint32(z), uint32(x), uint32(y)); err != nil {
		return tile.ID{}, err
	}
	return tile.ID{X: uint32(x), Y: uint32(y), Zoom: uint32(z)}, nil
}

func cacheControl(kind tile.Kind) string {
	if kind == tile.Weather {
		return "max-age=300"
	}
	return "public, max-age=86400"
}

type statsResponse struct {
	Pipelines []pipeline.Stats       `json:"pipelines"`
	Caches    map[string]cache.Stats `json:"caches"`
}

// handleStats reports pipeline and cache tier numbers
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pipelines: s.pipelines.Stats(),
		Caches:    make(map[string]cache.Stats, len(s.stores)),
	}
	for kind, store := range s.stores {
		st, err := store.Stats()
		if err != nil {
			s.logger.Warn().Err(err).Stringer("kind", kind).Msg("failed to read cache stats")
			continue
		}
		resp.Caches[kind.String()] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClearCache empties the cache tier of one kind
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	kind, err := tile.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	store, ok := s.stores[kind]
	if !ok {
		http.Error(w, "no cache for "+kind.String(), http.StatusNotFound)
		return
	}
	if err := store.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info().Stringer("kind", kind).Msg("cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

type rateLimitState struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName"`
	RateLimited bool   `json:"rateLimited"`
	Event       any    `json:"event,omitempty"`
}

// handleRateLimitState reports whether a provider is cooling down
func (s *Server) handleRateLimitState(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if s.limits == nil {
		http.Error(w, "rate limiting disabled", http.StatusNotFound)
		return
	}

	state := rateLimitState{
		Provider:    provider,
		DisplayName: common.ProviderDisplayName(provider),
	}
	if event := s.limits.GetCurrentState(provider); event != nil {
		state.RateLimited = true
		state.Event = event
	}
	writeJSON(w, http.StatusOK, state)
}

// handleRateLimitRetry clears a provider cooldown
func (s *Server) handleRateLimitRetry(w http.ResponseWriter, r *http.Request) {
	if s.limits == nil {
		http.Error(w, "rate limiting disabled", http.StatusNotFound)
		return
	}
	s.limits.ManualRetry(chi.URLParam(r, "provider"))
	w.WriteHeader(http.StatusAccepted)
}

// handlePrefetch warms the cache for a bounding box and reports the outcome
func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	p, kind, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	if s.prefetcher == nil {
		http.Error(w, "prefetch disabled", http.StatusNotFound)
		return
	}

	var req downloads.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	maxZoom, ok := s.opts.MaxZoom[kind]
	if !ok {
		maxZoom = tile.MaxZoom
	}
	if _, err := s.prefetcher.Plan(req, maxZoom); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.prefetcher.Run(r.Context(), p, req, maxZoom)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) pipelineFor(w http.ResponseWriter, r *http.Request) (*pipeline.Pipeline, tile.Kind, bool) {
	kind, err := tile.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, 0, false
	}
	p := s.pipelines.Get(kind)
	if p == nil {
		http.Error(w, kind.String()+" imagery is disabled", http.StatusNotFound)
		return nil, 0, false
	}
	return p, kind, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// serveTransparentTile writes a 1x1 transparent PNG, which map clients scale to any tile size
func serveTransparentTile(w http.ResponseWriter) {
	transparentPNG := []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00,
		0x01, 0x03, 0x00, 0x00, 0x00, 0x66, 0xbc, 0x3a, 0x25, 0x00, 0x00, 0x00,
		0x03, 0x50, 0x4c, 0x54, 0x45, 0x00, 0x00, 0x00, 0xa7, 0x7a, 0x3d, 0xda,
		0x00, 0x00, 0x00, 0x01, 0x74, 0x52, 0x4e, 0x53, 0x00, 0x40, 0xe6, 0xd8,
		0x66, 0x00, 0x00, 0x00, 0x1f, 0x49, 0x44, 0x41, 0x54, 0x68, 0xde, 0xed,
		0xc1, 0x01, 0x0d, 0x00, 0x00, 0x00, 0xc2, 0xa0, 0xf7, 0x4f, 0x6d, 0x0e,
		0x37, 0xa0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xbe, 0x0d,
		0x21, 0x00, 0x00, 0x01, 0x9a, 0x60, 0xe1, 0xd5, 0x00, 0x00, 0x00, 0x00,
		0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Header().Set("X-Tile-Source", "placeholder")
	w.Write(transparentPNG)
}
