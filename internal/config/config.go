package config

import (
	"path/filepath"
	"time"

	"flightmap-desktop/internal/cache"
)

// Config is the complete application configuration
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	View      ViewConfig      `koanf:"view"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Cache     CacheConfig     `koanf:"cache"`
	Remote    RemoteConfig    `koanf:"remote"`
	Satellite SatelliteConfig `koanf:"satellite"`
	Weather   WeatherConfig   `koanf:"weather"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Prefetch  PrefetchConfig  `koanf:"prefetch"`
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ViewConfig is the initial camera and the headless frame loop
type ViewConfig struct {
	Latitude  float64 `koanf:"latitude"`
	Longitude float64 `koanf:"longitude"`
	Zoom      float64 `koanf:"zoom"`
	Width     uint32  `koanf:"width"`
	Height    uint32  `koanf:"height"`
	FrameRate int     `koanf:"frame_rate"`
}

// PipelineConfig tunes every tile pipeline
type PipelineConfig struct {
	// CacheEntries bounds the in-memory tile state map
	CacheEntries int `koanf:"cache_entries"`

	// ResultBuffer is the capacity of the completed-fetch channel
	ResultBuffer int `koanf:"result_buffer"`

	// MaxInFlight caps concurrent backend fetches
	MaxInFlight int64 `koanf:"max_in_flight"`

	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// RetryAfter is how long a tile stays NotAvailable before it may be fetched again
	RetryAfter time.Duration `koanf:"retry_after"`

	// UpdateBudget is the wall-clock budget of one Update call
	UpdateBudget time.Duration `koanf:"update_budget"`
}

type CacheConfig struct {
	Root string `koanf:"root"`

	// Engine is files or badger
	Engine        string        `koanf:"engine"`
	SatelliteTTL  time.Duration `koanf:"satellite_ttl"`
	WeatherTTL    time.Duration `koanf:"weather_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// RemoteConfig is shared by every HTTP provider client
type RemoteConfig struct {
	UserAgent string        `koanf:"user_agent"`
	Timeout   time.Duration `koanf:"timeout"`
}

type SatelliteConfig struct {
	Enabled           bool    `koanf:"enabled"`
	TileURL           string  `koanf:"tile_url"`
	TileMapURL        string  `koanf:"tilemap_url"`
	MaxZoom           uint32  `koanf:"max_zoom"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type WeatherConfig struct {
	Enabled           bool          `koanf:"enabled"`
	IndexURL          string        `koanf:"index_url"`
	Size              uint32        `koanf:"size"`
	Color             int           `koanf:"color"`
	Smooth            bool          `koanf:"smooth"`
	Snow              bool          `koanf:"snow"`
	MaxZoom           uint32        `koanf:"max_zoom"`
	RefreshAfter      time.Duration `koanf:"refresh_after"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// BreakerConfig configures the per-provider circuit breaker
type BreakerConfig struct {
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval"`
	Timeout             time.Duration `koanf:"timeout"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
}

// PrefetchConfig bounds bounding-box cache warming
type PrefetchConfig struct {
	Workers  int `koanf:"workers"`
	MaxTiles int `koanf:"max_tiles"`

	// QueueDir holds queued prefetch jobs across restarts
	QueueDir string `koanf:"queue_dir"`
}

// ServerConfig configures the local tile server
type ServerConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	APIKey        string        `koanf:"api_key"`
	Host          string        `koanf:"host"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		View: ViewConfig{
			// Daytona Beach
			Latitude:  29.18796,
			Longitude: -81.04923,
			Zoom:      8,
			Width:     1080,
			Height:    540,
			FrameRate: 30,
		},
		Pipeline: PipelineConfig{
			CacheEntries: 4096,
			ResultBuffer: 64,
			MaxInFlight:  16,
			FetchTimeout: 20 * time.Second,
			RetryAfter:   30 * time.Second,
			UpdateBudget: 20 * time.Millisecond,
		},
		Cache: CacheConfig{
			Root:          cache.DefaultDir(),
			Engine:        "files",
			SatelliteTTL:  30 * 24 * time.Hour,
			WeatherTTL:    10 * time.Minute,
			SweepInterval: time.Hour,
		},
		Remote: RemoteConfig{
			UserAgent: "flightmap-desktop/1.0",
			Timeout:   30 * time.Second,
		},
		Satellite: SatelliteConfig{
			Enabled:           true,
			TileURL:           "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/%d/%d/%d",
			TileMapURL:        "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tilemap/%d/%d/%d/1/1",
			MaxZoom:           19,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Weather: WeatherConfig{
			Enabled:           true,
			IndexURL:          "https://api.rainviewer.com/public/weather-maps.json",
			Size:              512,
			Color:             4,
			Smooth:            true,
			Snow:              true,
			MaxZoom:           7,
			RefreshAfter:      5 * time.Minute,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Prefetch: PrefetchConfig{
			Workers:  8,
			MaxTiles: 10000,
			QueueDir: filepath.Join(filepath.Dir(SettingsDir()), "queue"),
		},
		Server: ServerConfig{
			Enabled:     false,
			Addr:        "127.0.0.1:0",
			CORSOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Host:          "https://us.i.posthog.com",
			FlushInterval: 5 * time.Minute,
		},
	}
}
