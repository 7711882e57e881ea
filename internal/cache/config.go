package cache

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"time"

	"flightmap-desktop/internal/tile"
)

// Data describes one disk-backed tile folder: <Folder>/<zoom>/<x>/<y>.<Extension>
type Data struct {
	Folder         string
	Extension      string
	InvalidateTime time.Duration
}

// DataFor returns the cache layout for an imagery kind under root
func DataFor(root string, kind tile.Kind, ttl time.Duration) Data {
	return Data{
		Folder:         filepath.Join(root, kind.String()),
		Extension:      kind.Extension(),
		InvalidateTime: ttl,
	}
}

// Path returns the file path of id
func (d Data) Path(id tile.ID) string {
	return filepath.Join(d.Folder,
		strconv.FormatUint(uint64(id.Zoom), 10),
		strconv.FormatUint(uint64(id.X), 10),
		fmt.Sprintf("%d.%s", id.Y, d.Extension))
}

// Stale reports whether a file last written at modTime has expired
func (d Data) Stale(modTime time.Time) bool {
	return d.InvalidateTime > 0 && time.Since(modTime) > d.InvalidateTime
}

// DefaultDir returns the OS-specific cache directory
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "flightmap", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "flightmap", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "flightmap", "tiles")
	}
}
