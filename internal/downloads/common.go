package downloads

import (
	"fmt"

	"flightmap-desktop/internal/mercator"
	"flightmap-desktop/internal/tile"
)

// BoundingBox represents a geographic bounding box.
// West greater than East means the box crosses the antimeridian.
type BoundingBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// DownloadProgress tracks the progress of a prefetch
type DownloadProgress struct {
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	Status     string `json:"status"`
}

// Constants for validation
const (
	MinLat = -mercator.MaxLatitude
	MaxLat = mercator.MaxLatitude
	MinLon = -180.0
	MaxLon = 180.0

	DefaultWorkers  = 8
	DefaultMaxTiles = 10000
)

// Validate checks if the bounding box is valid
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West == b.East {
		return fmt.Errorf("west and east are both %f", b.West)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < MinLon || b.East > MaxLon || b.East < MinLon || b.West > MaxLon {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// ValidateCoordinates validates zoom level and bounding box
func ValidateCoordinates(bbox BoundingBox, zoom, maxZoom uint32) error {
	if zoom > maxZoom {
		return fmt.Errorf("zoom level %d out of range [0, %d]", zoom, maxZoom)
	}
	return bbox.Validate()
}

// ValidateTileCoordinates validates individual tile coordinates
func ValidateTileCoordinates(z, x, y uint32) error {
	if z > tile.MaxZoom {
		return fmt.Errorf("zoom %d out of range [0, %d]", z, tile.MaxZoom)
	}

	maxTile := uint64(1)<<z - 1
	if uint64(x) > maxTile {
		return fmt.Errorf("x %d out of range [0, %d] for zoom %d", x, maxTile, z)
	}
	if uint64(y) > maxTile {
		return fmt.Errorf("y %d out of range [0, %d] for zoom %d", y, maxTile, z)
	}
	if x >= tile.MaxCoord || y >= tile.MaxCoord {
		return fmt.Errorf("tile %d/%d/%d exceeds the addressable range", z, x, y)
	}

	return nil
}
