package view

import (
	"math"

	"flightmap-desktop/internal/mercator"
)

const (
	// MaxTileZoom caps the zoom level chosen for tile fetching
	MaxTileZoom = 20

	// maxCameraZoom is the deepest camera zoom allowed by MultiplyZoom
	maxCameraZoom = 28

	// minWorldPixels is the smallest on-screen width the world may shrink to
	minWorldPixels = 100
)

var (
	maxPixelSize = 1.0 / minWorldPixels
	minPixelSize = 1.0 / (256 * math.Exp2(maxCameraZoom))
)

// Viewport is the visible rectangle in world coordinates.
// Coordinates are unwrapped: TopLeft.X may be negative and BottomRight.X may
// exceed 1 when the view crosses the antimeridian. TopLeft is always <= BottomRight.
type Viewport struct {
	TopLeft     mercator.Point
	BottomRight mercator.Point
}

// Width returns the horizontal span in world units
func (v Viewport) Width() float64 {
	return v.BottomRight.X - v.TopLeft.X
}

// Height returns the vertical span in world units
func (v Viewport) Height() float64 {
	return v.BottomRight.Y - v.TopLeft.Y
}

// Contains reports whether p lies inside the viewport, taking horizontal wrap into account
func (v Viewport) Contains(p mercator.Point) bool {
	if p.Y < v.TopLeft.Y || p.Y > v.BottomRight.Y {
		return false
	}
	// Shift p into the unwrapped window that starts at TopLeft.X
	x := v.TopLeft.X + math.Mod(math.Mod(p.X-v.TopLeft.X, 1)+1, 1)
	return x <= v.BottomRight.X
}

// TileView is the camera: a center in world coordinates and the size of one
// screen pixel in world units. It is owned by the frame goroutine and is not
// safe for concurrent use.
type TileView struct {
	center    mercator.Point
	pixelSize float64
}

// New creates a view centered on lat/lon. zoom 0 fits the whole world width
// into windowWidth pixels, each whole step halves the visible width.
func New(lat, lon, zoom float64, windowWidth uint32) *TileView {
	v := &TileView{center: mercator.FromLatLon(lat, lon)}
	v.SetZoom(zoom, windowWidth)
	return v
}

// SetZoom sets the camera zoom relative to the current window width
func (v *TileView) SetZoom(zoom float64, windowWidth uint32) {
	v.pixelSize = pixelSizeFromZoom(zoom, windowWidth)
}

// Zoom returns the fractional camera zoom for a window width
func (v *TileView) Zoom(windowWidth uint32) float64 {
	return -math.Log2(v.pixelSize * float64(max(windowWidth, 1)))
}

// Center returns the camera center in world coordinates
func (v *TileView) Center() mercator.Point {
	return v.center
}

// CenterLatLon returns the camera center in degrees
func (v *TileView) CenterLatLon() (lat, lon float64) {
	return v.center.LatLon()
}

// PixelSize returns world units per screen pixel
func (v *TileView) PixelSize() float64 {
	return v.pixelSize
}

// MoveCameraPixels pans the camera by a screen-space delta.
// X wraps around the world, Y stops at the poles.
func (v *TileView) MoveCameraPixels(dx, dy float64) {
	x := v.center.X + dx*v.pixelSize
	y := v.center.Y + dy*v.pixelSize

	v.center.X = x - math.Floor(x)
	v.center.Y = math.Max(0, math.Min(1, y))
}

// MultiplyZoom zooms in by factor (values below 1 zoom out). The result is
// clamped so the world never shrinks below 100 pixels and never zooms past level 28.
func (v *TileView) MultiplyZoom(factor float64) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return
	}
	v.pixelSize = math.Max(minPixelSize, math.Min(maxPixelSize, v.pixelSize/factor))
}

// Viewport returns the visible world rectangle for a screen size
func (v *TileView) Viewport(screenWidth, screenHeight uint32) Viewport {
	half := mercator.Point{X: float64(screenWidth), Y: float64(screenHeight)}.Scale(v.pixelSize / 2)
	return Viewport{
		TopLeft:     v.center.Sub(half),
		BottomRight: v.center.Add(half),
	}
}

// TileZoomLevel returns the smallest zoom at which one screen pixel never
// spans more than one source pixel. The level is always rounded up and
// clamped to [0, MaxTileZoom].
func (v *TileView) TileZoomLevel(tileSize uint32) uint32 {
	z := math.Ceil(math.Log2(1 / (v.pixelSize * float64(tileSize))))
	if math.IsNaN(z) || z < 0 {
		return 0
	}
	if z > MaxTileZoom {
		return MaxTileZoom
	}
	return uint32(z)
}

// TileIter enumerates the tiles covering the screen
func (v *TileView) TileIter(tileSize, screenWidth, screenHeight uint32) *TileIter {
	return newTileIter(v.Viewport(screenWidth, screenHeight), v.pixelSize, v.TileZoomLevel(tileSize))
}

func pixelSizeFromZoom(zoom float64, windowWidth uint32) float64 {
	return math.Exp2(-zoom) / float64(max(windowWidth, 1))
}
