package esri

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/remote"
	"flightmap-desktop/internal/tile"
)

// Satellite is the network tier for satellite imagery. Every fetched tile is
// written through to the cache store before it is returned.
type Satellite struct {
	client  *Client
	store   tile.Writer
	maxZoom uint32
	sink    metrics.Sink
	logger  zerolog.Logger
}

// NewSatellite creates the satellite backend. store may be nil to disable write-through.
func NewSatellite(client *Client, store tile.Writer, maxZoom uint32, sink metrics.Sink, logger zerolog.Logger) *Satellite {
	if maxZoom == 0 || maxZoom > MaxLevel {
		maxZoom = MaxLevel
	}
	return &Satellite{
		client:  client,
		store:   store,
		maxZoom: maxZoom,
		sink:    sink,
		logger:  logger,
	}
}

func (s *Satellite) Name() string {
	return "esri"
}

func (s *Satellite) Fetch(ctx context.Context, id tile.ID) ([]byte, error) {
	defer metrics.Time(s.sink, metrics.TileRequest, s.Name())()

	if id.Zoom > s.maxZoom {
		return nil, nil
	}

	data, err := s.client.FetchTile(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, tile.NewError(remote.ErrorKind(err), s.Name(), id, err)
	}

	if s.store != nil {
		if err := s.store.Persist(id, data); err != nil {
			s.logger.Warn().Err(err).Stringer("tile", id).Msg("failed to cache satellite tile")
		}
	}
	return data, nil
}

// Readiness uses the tilemap endpoint, which is much cheaper than the tile itself
func (s *Satellite) Readiness(ctx context.Context, id tile.ID) tile.Readiness {
	if id.Zoom > s.maxZoom {
		return tile.NotAvailable
	}

	available, err := s.client.CheckTileMap(ctx, id)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return tile.NotAvailable
		}
		return tile.Unknown
	}
	if available {
		return tile.Available
	}
	return tile.NotAvailable
}

func (s *Satellite) TileSize() (uint32, bool) {
	return TileSize, true
}
