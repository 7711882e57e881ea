package view

import (
	"iter"
	"math"

	"flightmap-desktop/internal/mercator"
	"flightmap-desktop/internal/tile"
)

// Cell is one enumerated tile with its column and row relative to the first
// visible tile. The screen position of the cell's top-left corner is
// TileOffset + (Col, Row) * TileSize.
type Cell struct {
	ID  tile.ID
	Col int
	Row int
}

// ColumnSpan is a run of consecutive wrapped tile columns.
// A view crossing the antimeridian produces more than one span.
type ColumnSpan struct {
	Start uint32
	Count int
}

// TileIter is a lazy, finite and restartable enumeration of the visible tiles,
// x outer and y inner. Columns and rows are computed in unwrapped tile space
// and wrapped into [0, 2^zoom) only when yielded.
type TileIter struct {
	zoom     uint32
	n        int64
	firstX   int64
	firstY   int64
	wide     int
	high     int
	tileSize float64
	offset   mercator.Point
	pos      int
}

func newTileIter(vp Viewport, pixelSize float64, zoom uint32) *TileIter {
	n := float64(int64(1) << zoom)

	left := vp.TopLeft.X * n
	top := vp.TopLeft.Y * n
	firstX := math.Floor(left)
	firstY := math.Floor(top)

	// One extra tile per axis so partially visible edge tiles are always covered
	wide := int(math.Ceil(vp.Width()*n)) + 1
	high := int(math.Ceil(vp.Height()*n)) + 1

	return &TileIter{
		zoom:     zoom,
		n:        int64(n),
		firstX:   int64(firstX),
		firstY:   int64(firstY),
		wide:     wide,
		high:     high,
		tileSize: (1 / n) / pixelSize,
		offset: mercator.Point{
			X: (firstX/n - vp.TopLeft.X) / pixelSize,
			Y: (firstY/n - vp.TopLeft.Y) / pixelSize,
		},
	}
}

// Next returns the next tile, or false when the enumeration is exhausted
func (it *TileIter) Next() (Cell, bool) {
	if it.pos >= it.Len() {
		return Cell{}, false
	}
	c := it.cell(it.pos)
	it.pos++
	return c, true
}

// Reset restarts the enumeration from the first tile
func (it *TileIter) Reset() {
	it.pos = 0
}

// All returns every cell without disturbing the iterator's position
func (it *TileIter) All() iter.Seq[Cell] {
	return func(yield func(Cell) bool) {
		for i := 0; i < it.Len(); i++ {
			if !yield(it.cell(i)) {
				return
			}
		}
	}
}

// IDs returns every tile id in enumeration order
func (it *TileIter) IDs() []tile.ID {
	ids := make([]tile.ID, 0, it.Len())
	for c := range it.All() {
		ids = append(ids, c.ID)
	}
	return ids
}

func (it *TileIter) cell(i int) Cell {
	col := i / it.high
	row := i % it.high
	return Cell{
		ID:  tile.NewID(it.firstX+int64(col), it.firstY+int64(row), it.zoom),
		Col: col,
		Row: row,
	}
}

// Zoom returns the tile zoom level being enumerated
func (it *TileIter) Zoom() uint32 {
	return it.zoom
}

// Len returns the total number of tiles, TilesWide * TilesHigh
func (it *TileIter) Len() int {
	return it.wide * it.high
}

// TilesWide returns the number of tile columns
func (it *TileIter) TilesWide() int {
	return it.wide
}

// TilesHigh returns the number of tile rows
func (it *TileIter) TilesHigh() int {
	return it.high
}

// TileSize returns the on-screen size of one tile in pixels
func (it *TileIter) TileSize() float64 {
	return it.tileSize
}

// TileOffset returns the pixel offset from the viewport's top-left corner to
// the first tile's top-left corner. Both components are in (-TileSize, 0].
func (it *TileIter) TileOffset() mercator.Point {
	return it.offset
}

// ColumnSpans splits the visible columns at the world seam
func (it *TileIter) ColumnSpans() []ColumnSpan {
	var spans []ColumnSpan
	x := it.firstX
	remaining := it.wide
	for remaining > 0 {
		start := tile.NewID(x, 0, it.zoom).X
		count := min(remaining, int(it.n-int64(start)))
		spans = append(spans, ColumnSpan{Start: start, Count: count})
		x += int64(count)
		remaining -= count
	}
	return spans
}
