package tile

import (
	"context"
	"errors"
	"image"

	"flightmap-desktop/internal/metrics"
)

// Readiness is the result of a cheap availability pre-check
type Readiness int

const (
	// Unknown means the backend cannot tell without fetching
	Unknown Readiness = iota
	Available
	NotAvailable
)

func (r Readiness) String() string {
	switch r {
	case Available:
		return "available"
	case NotAvailable:
		return "not_available"
	default:
		return "unknown"
	}
}

// Backend is one tier in an ordered fetch chain.
//
// Fetch returns the compressed image bytes for id. A nil slice with a nil
// error means the tile is cleanly not available from this source and the
// next tier should be tried.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, id ID) ([]byte, error)
	Readiness(ctx context.Context, id ID) Readiness
	TileSize() (uint32, bool)
}

// Writer persists fetched bytes for later reads by a cache tier
type Writer interface {
	Persist(id ID, data []byte) error
}

// Request fetches id from b and decodes the result into a square RGBA texture.
// It returns (nil, nil) when the backend has nothing for id.
func Request(ctx context.Context, b Backend, id ID, sink metrics.Sink) (*image.RGBA, error) {
	data, err := b.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	span := metrics.Begin(sink, metrics.TileDecode, b.Name())
	img, err := decodeAsync(ctx, data)
	span.End()
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			te.Backend = b.Name()
			te.Tile = id
			return nil, te
		}
		return nil, NewError(KindIO, b.Name(), id, err)
	}

	assertSquare(img, b.Name(), id)
	return img, nil
}
