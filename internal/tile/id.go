package tile

import (
	"fmt"
)

const (
	zoomBits  = 5
	coordBits = 24

	// MaxZoom is the largest zoom level the key codec can represent
	MaxZoom = 1<<zoomBits - 1

	// MaxCoord is the exclusive upper bound for x and y in a packed key
	MaxCoord = 1 << coordBits
)

// ID identifies one tile image at one zoom level.
// X and Y are always in [0, 2^Zoom).
type ID struct {
	X    uint32 `json:"x"`
	Y    uint32 `json:"y"`
	Zoom uint32 `json:"z"`
}

// NewID builds an ID, wrapping x and y into the grid of the given zoom level
func NewID(x, y int64, zoom uint32) ID {
	n := int64(1) << zoom
	return ID{X: uint32(mod(x, n)), Y: uint32(mod(y, n)), Zoom: zoom}
}

// String formats the ID as z/x/y
func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Zoom, id.X, id.Y)
}

// Key packs the ID into a single integer: x<<29 | y<<5 | zoom.
// It panics when zoom >= 32 or x, y >= 2^24 since such IDs indicate a packing bug.
func (id ID) Key() uint64 {
	if id.Zoom > MaxZoom {
		panic(fmt.Sprintf("tile: zoom %d does not fit in %d bits", id.Zoom, zoomBits))
	}
	if id.X >= MaxCoord || id.Y >= MaxCoord {
		panic(fmt.Sprintf("tile: coordinate %d/%d does not fit in %d bits", id.X, id.Y, coordBits))
	}
	return uint64(id.X)<<(coordBits+zoomBits) | uint64(id.Y)<<zoomBits | uint64(id.Zoom)
}

// FromKey unpacks a key produced by ID.Key.
// It panics when the key has bits set above the x field.
func FromKey(key uint64) ID {
	if key>>(2*coordBits+zoomBits) != 0 {
		panic(fmt.Sprintf("tile: malformed key %#x", key))
	}
	return ID{
		X:    uint32(key >> (coordBits + zoomBits)),
		Y:    uint32(key>>zoomBits) & (MaxCoord - 1),
		Zoom: uint32(key) & MaxZoom,
	}
}

// Parent returns the tile one zoom level up that contains id
func (id ID) Parent() (ID, bool) {
	if id.Zoom == 0 {
		return ID{}, false
	}
	return ID{X: id.X / 2, Y: id.Y / 2, Zoom: id.Zoom - 1}, true
}

func mod(v, n int64) int64 {
	r := v % n
	if r < 0 {
		r += n
	}
	return r
}
