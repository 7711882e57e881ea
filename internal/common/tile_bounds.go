package common

import (
	"fmt"
	"math"

	"flightmap-desktop/internal/mercator"
	"flightmap-desktop/internal/tile"
)

// TileBounds is an inclusive column/row range at one zoom level.
// Columns are unwrapped: a box crossing the antimeridian has MaxCol >= 2^zoom.
type TileBounds struct {
	Zoom   uint32
	MinCol int64
	MaxCol int64
	MinRow int64
	MaxRow int64
}

// Cols returns the number of columns in the bounds
func (tb TileBounds) Cols() int64 {
	return tb.MaxCol - tb.MinCol + 1
}

// Rows returns the number of rows in the bounds
func (tb TileBounds) Rows() int64 {
	return tb.MaxRow - tb.MinRow + 1
}

// Count returns the number of tiles in the bounds
func (tb TileBounds) Count() int64 {
	return tb.Cols() * tb.Rows()
}

// IDs lists every tile in the bounds, row by row, with columns wrapped
func (tb TileBounds) IDs() []tile.ID {
	ids := make([]tile.ID, 0, tb.Count())
	for row := tb.MinRow; row <= tb.MaxRow; row++ {
		for col := tb.MinCol; col <= tb.MaxCol; col++ {
			ids = append(ids, tile.NewID(col, row, tb.Zoom))
		}
	}
	return ids
}

// BoundsForBox returns the tiles covering a WGS84 box. A west edge greater
// than the east edge means the box crosses the antimeridian.
func BoundsForBox(south, west, north, east float64, zoom uint32) (TileBounds, error) {
	if zoom > tile.MaxZoom {
		return TileBounds{}, fmt.Errorf("zoom %d out of range [0, %d]", zoom, tile.MaxZoom)
	}
	if south > north {
		return TileBounds{}, fmt.Errorf("south %f is north of north %f", south, north)
	}

	n := float64(int64(1) << zoom)
	size := int64(1) << zoom

	nw := mercator.FromLatLon(north, west)
	se := mercator.FromLatLon(south, east)
	if east < west {
		se.X += 1
	}

	tb := TileBounds{
		Zoom:   zoom,
		MinCol: int64(math.Floor(nw.X * n)),
		MaxCol: int64(math.Floor(se.X * n)),
		MinRow: clamp(int64(math.Floor(nw.Y*n)), 0, size-1),
		MaxRow: clamp(int64(math.Floor(se.Y*n)), 0, size-1),
	}

	// The east edge of the world belongs to the last column
	if se.X*n == math.Floor(se.X*n) && tb.MaxCol > tb.MinCol {
		tb.MaxCol--
	}
	if tb.Cols() > size {
		tb.MaxCol = tb.MinCol + size - 1
	}
	return tb, nil
}

func clamp(val, min, max int64) int64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
