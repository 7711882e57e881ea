// Package rainviewer serves weather radar tiles from the RainViewer public API.
package rainviewer

import (
	"context"
	"errors"
	"fmt"

	"flightmap-desktop/internal/remote"
	"flightmap-desktop/internal/tile"
)

const (
	// IndexURL lists the radar frames currently published
	IndexURL = "https://api.rainviewer.com/public/weather-maps.json"

	// ColorWeatherChannel is The Weather Channel palette
	ColorWeatherChannel = 4
)

// ErrEmptyIndex means the frame index carried no host or no radar frames
var ErrEmptyIndex = errors.New("weather index has no radar frames")

// Frame is one published radar image set
type Frame struct {
	Time int64  `json:"time"`
	Path string `json:"path"`
}

// Index is the weather-maps document
type Index struct {
	Version   string `json:"version"`
	Generated int64  `json:"generated"`
	Host      string `json:"host"`
	Radar     struct {
		Past    []Frame `json:"past"`
		Nowcast []Frame `json:"nowcast"`
	} `json:"radar"`
}

// LatestFrame returns the newest nowcast frame, or the newest past frame when
// the provider publishes no nowcast.
func (i *Index) LatestFrame() (Frame, bool) {
	if n := len(i.Radar.Nowcast); n > 0 {
		return i.Radar.Nowcast[n-1], true
	}
	if n := len(i.Radar.Past); n > 0 {
		return i.Radar.Past[n-1], true
	}
	return Frame{}, false
}

// TileOptions selects the rendering of radar tiles
type TileOptions struct {
	Size   uint32
	Color  int
	Smooth bool
	Snow   bool
}

// Validate checks the options against what the API accepts
func (o TileOptions) Validate() error {
	if o.Size != 256 && o.Size != 512 {
		return fmt.Errorf("tile size must be 256 or 512, got %d", o.Size)
	}
	if o.Color < 0 || o.Color > 8 {
		return fmt.Errorf("unknown color scheme %d", o.Color)
	}
	return nil
}

// Client talks to the RainViewer API
type Client struct {
	http     *remote.Client
	indexURL string
}

// NewClient creates a client. An empty indexURL uses the public endpoint.
func NewClient(httpClient *remote.Client, indexURL string) *Client {
	if indexURL == "" {
		indexURL = IndexURL
	}
	return &Client{http: httpClient, indexURL: indexURL}
}

// FetchIndex downloads the current frame index
func (c *Client) FetchIndex(ctx context.Context) (*Index, error) {
	var idx Index
	if err := c.http.GetJSON(ctx, c.indexURL, &idx); err != nil {
		return nil, fmt.Errorf("failed to fetch weather index: %w", err)
	}
	if _, ok := idx.LatestFrame(); idx.Host == "" || !ok {
		return nil, ErrEmptyIndex
	}
	return &idx, nil
}

// TileURL builds the radar tile URL for a frame:
// {host}{path}/{size}/{z}/{x}/{y}/{color}/{smooth}_{snow}.png
func (c *Client) TileURL(idx *Index, frame Frame, id tile.ID, opts TileOptions) string {
	return fmt.Sprintf("%s%s/%d/%d/%d/%d/%d/%d_%d.png",
		idx.Host, frame.Path, opts.Size, id.Zoom, id.X, id.Y,
		opts.Color, flag(opts.Smooth), flag(opts.Snow))
}

// FetchTile downloads the png bytes at url
func (c *Client) FetchTile(ctx context.Context, url string) ([]byte, error) {
	return c.http.Get(ctx, url)
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
