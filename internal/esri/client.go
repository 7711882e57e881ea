package esri

import (
	"context"
	"fmt"

	"flightmap-desktop/internal/remote"
	"flightmap-desktop/internal/tile"
)

const (
	// TileURL is the ESRI World Imagery tile endpoint, formatted with z, y, x
	TileURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/%d/%d/%d"

	// TileMapURL is the availability endpoint for a single tile, formatted with z, y, x
	TileMapURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tilemap/%d/%d/%d/1/1"

	// MaxLevel is the deepest level World Imagery serves
	MaxLevel = 23

	// TileSize is the pixel size of World Imagery tiles
	TileSize = 256
)

// Client talks to the ESRI World Imagery map server
type Client struct {
	http       *remote.Client
	tileURL    string
	tileMapURL string
}

// NewClient creates a client. Empty URL templates fall back to the public endpoints.
func NewClient(httpClient *remote.Client, tileURL, tileMapURL string) *Client {
	if tileURL == "" {
		tileURL = TileURL
	}
	if tileMapURL == "" {
		tileMapURL = TileMapURL
	}
	return &Client{
		http:       httpClient,
		tileURL:    tileURL,
		tileMapURL: tileMapURL,
	}
}

// GetTileURL returns the URL of a tile. ESRI orders the path level/row/column.
func (c *Client) GetTileURL(id tile.ID) string {
	return fmt.Sprintf(c.tileURL, id.Zoom, id.Y, id.X)
}

// FetchTile downloads the jpeg bytes of a tile
func (c *Client) FetchTile(ctx context.Context, id tile.ID) ([]byte, error) {
	return c.http.Get(ctx, c.GetTileURL(id))
}

// CheckTileMap asks the tilemap endpoint whether imagery exists for a tile
func (c *Client) CheckTileMap(ctx context.Context, id tile.ID) (bool, error) {
	var result struct {
		Valid bool  `json:"valid"`
		Data  []int `json:"data"`
	}

	url := fmt.Sprintf(c.tileMapURL, id.Zoom, id.Y, id.X)
	if err := c.http.GetJSON(ctx, url, &result); err != nil {
		return false, err
	}

	return len(result.Data) > 0 && result.Data[0] == 1, nil
}

// HTTP exposes the underlying provider client
func (c *Client) HTTP() *remote.Client {
	return c.http
}
