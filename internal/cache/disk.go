package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/tile"
)

// Stats summarises the content of a cache tier
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Stale   int   `json:"stale"`
}

// Store is a cache tier: readable as a backend, writable by remote backends
// and maintainable by the janitor.
type Store interface {
	tile.Backend
	tile.Writer
	Stats() (Stats, error)
	Clear() error
	Sweep(ctx context.Context) (int, error)
}

// Disk serves tiles from a ZXY folder. File mtime is the only staleness signal.
type Disk struct {
	data   Data
	name   string
	sink   metrics.Sink
	logger zerolog.Logger

	sizeMu sync.Mutex
	size   uint32
}

// NewDisk creates a disk tier. The folder is created lazily on first write.
func NewDisk(data Data, sink metrics.Sink, logger zerolog.Logger) *Disk {
	name := "disk/" + filepath.Base(data.Folder)
	return &Disk{
		data:   data,
		name:   name,
		sink:   sink,
		logger: logger.With().Str("backend", name).Logger(),
	}
}

func (d *Disk) Name() string {
	return d.name
}

// Data returns the layout this tier reads
func (d *Disk) Data() Data {
	return d.data
}

// Fetch returns the cached bytes for id. A missing file, or a stale one
// (which is deleted), yields (nil, nil).
func (d *Disk) Fetch(ctx context.Context, id tile.ID) ([]byte, error) {
	defer metrics.Time(d.sink, metrics.TileRequest, d.name)()

	path := d.data.Path(id)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, tile.NewError(tile.KindIO, d.name, id, err)
	}

	if d.data.Stale(info.ModTime()) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, tile.NewError(tile.KindIO, d.name, id, fmt.Errorf("failed to remove stale tile: %w", err))
		}
		d.logger.Debug().Stringer("tile", id).Msg("removed stale tile")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, tile.NewError(tile.KindIO, d.name, id, err)
	}
	return data, nil
}

// Readiness checks file metadata only
func (d *Disk) Readiness(ctx context.Context, id tile.ID) tile.Readiness {
	info, err := os.Stat(d.data.Path(id))
	if err != nil || d.data.Stale(info.ModTime()) {
		return tile.NotAvailable
	}
	return tile.Available
}

// TileSize scans the folder for one cached image and returns its width.
// It panics if that image is not square, which means the cache is corrupt.
func (d *Disk) TileSize() (uint32, bool) {
	d.sizeMu.Lock()
	defer d.sizeMu.Unlock()

	if d.size != 0 {
		return d.size, true
	}

	suffix := "." + d.data.Extension
	errFound := errors.New("found")

	err := filepath.WalkDir(d.data.Folder, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		w, h, err := tile.DecodeSize(data)
		if err != nil {
			return nil
		}
		if w != h {
			panic(fmt.Sprintf("cache: non-square tile %s (%dx%d)", path, w, h))
		}
		d.size = uint32(w)
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		d.logger.Warn().Err(err).Msg("failed to scan cache for tile size")
	}

	return d.size, d.size != 0
}

// Persist writes data for id through a temp file and rename
func (d *Disk) Persist(id tile.ID, data []byte) error {
	path := d.data.Path(id)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Stats walks the folder and counts tiles
func (d *Disk) Stats() (Stats, error) {
	var s Stats
	err := d.walkTiles(func(path string, info fs.FileInfo) {
		s.Entries++
		s.Bytes += info.Size()
		if d.data.Stale(info.ModTime()) {
			s.Stale++
		}
	})
	return s, err
}

// Sweep deletes every stale tile and returns how many were removed
func (d *Disk) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := d.walkTiles(func(path string, info fs.FileInfo) {
		if ctx.Err() != nil || !d.data.Stale(info.ModTime()) {
			return
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	})
	if err == nil {
		err = ctx.Err()
	}
	return removed, err
}

// Clear removes every cached tile of this tier
func (d *Disk) Clear() error {
	if err := os.RemoveAll(d.data.Folder); err != nil {
		return fmt.Errorf("failed to clear %s: %w", d.data.Folder, err)
	}

	d.sizeMu.Lock()
	d.size = 0
	d.sizeMu.Unlock()
	return nil
}

func (d *Disk) walkTiles(fn func(path string, info fs.FileInfo)) error {
	suffix := "." + d.data.Extension
	err := filepath.WalkDir(d.data.Folder, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		fn(path, info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return nil
}
