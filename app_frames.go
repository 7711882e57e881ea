package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/pipeline"
	"flightmap-desktop/internal/view"
)

// fallbackTileSize is used for a layer until one of its tiers knows the size
const fallbackTileSize = 256

// FrameStats describes one frame
type FrameStats struct {
	Visible  int `json:"visible"`
	Rendered int `json:"rendered"`
	Uploaded int `json:"uploaded"`
}

// FrameLoop drives the pipelines the way the map renderer does: each frame it
// requests every visible tile of every layer, then drains completed fetches.
// It implements suture.Service.
type FrameLoop struct {
	pipelines *pipeline.Set
	interval  time.Duration
	sink      metrics.Sink
	logger    zerolog.Logger

	mu     sync.Mutex
	view   *view.TileView
	width  uint32
	height uint32
	sizes  map[string]uint32

	frames atomic.Uint64
}

// NewFrameLoop creates a frame loop over tv for a screen of width x height
func NewFrameLoop(tv *view.TileView, width, height uint32, frameRate int, pipelines *pipeline.Set, sink metrics.Sink, logger zerolog.Logger) *FrameLoop {
	if frameRate <= 0 {
		frameRate = 30
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &FrameLoop{
		pipelines: pipelines,
		interval:  time.Second / time.Duration(frameRate),
		sink:      sink,
		logger:    logger,
		view:      tv,
		width:     width,
		height:    height,
		sizes:     make(map[string]uint32),
	}
}

// tileSize returns the tile size of p, remembering it once a tier reports one
func (f *FrameLoop) tileSize(p *pipeline.Pipeline) uint32 {
	if size, ok := f.sizes[p.Name()]; ok {
		return size
	}
	size, ok := p.TileSize()
	if !ok {
		return fallbackTileSize
	}
	f.sizes[p.Name()] = size
	return size
}

// Frame renders one frame
func (f *FrameLoop) Frame() FrameStats {
	var st FrameStats

	f.mu.Lock()
	for _, p := range f.pipelines.All() {
		it := f.view.TileIter(f.tileSize(p), f.width, f.height)
		for cell := range it.All() {
			st.Visible++
			if _, ok := p.GetTile(cell.ID); ok {
				st.Rendered++
			}
		}
	}
	f.mu.Unlock()

	st.Uploaded = f.pipelines.Update()
	f.sink.Count(metrics.TileRendered, "frame", st.Rendered)

	if n := f.frames.Add(1); n%300 == 0 {
		f.logger.Debug().
			Uint64("frame", n).
			Int("visible", st.Visible).
			Int("rendered", st.Rendered).
			Msg("frame stats")
	}
	return st
}

// Frames returns the number of frames rendered so far
func (f *FrameLoop) Frames() uint64 {
	return f.frames.Load()
}

// Serve renders frames at the configured rate until ctx is done
func (f *FrameLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Frame()
		}
	}
}

func (f *FrameLoop) String() string {
	return "frame-loop"
}

// Pan moves the camera by a screen-space delta in pixels
func (f *FrameLoop) Pan(dx, dy float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view.MoveCameraPixels(dx, dy)
}

// Zoom multiplies the camera zoom by factor
func (f *FrameLoop) Zoom(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view.MultiplyZoom(factor)
}

// Resize changes the screen size. The camera keeps its pixel size.
func (f *FrameLoop) Resize(width, height uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width, f.height = width, height
}

// MoveTo centers the camera on lat/lon at a fractional zoom
func (f *FrameLoop) MoveTo(lat, lon, zoom float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view.New(lat, lon, zoom, f.width)
}

// Position returns the camera center and zoom
func (f *FrameLoop) Position() (lat, lon, zoom float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lat, lon = f.view.CenterLatLon()
	return lat, lon, f.view.Zoom(f.width)
}

// Map Navigation Functions

// PanMap pans the map by a pixel delta
func (a *App) PanMap(dx, dy float64) {
	a.frames.Pan(dx, dy)
}

// ZoomMap zooms the map in by factor, or out when factor is below 1
func (a *App) ZoomMap(factor float64) {
	a.frames.Zoom(factor)
}

// SetMapPosition centers the map on a location
func (a *App) SetMapPosition(lat, lon, zoom float64) {
	a.frames.MoveTo(lat, lon, zoom)
	a.logger.Info().Float64("lat", lat).Float64("lon", lon).Float64("zoom", zoom).Msg("map position set")
}

// GetMapPosition returns the current map center and zoom
func (a *App) GetMapPosition() (lat, lon, zoom float64) {
	return a.frames.Position()
}
