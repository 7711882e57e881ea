package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "FLIGHTMAP_"

	// ConfigPathEnvVar overrides the config file location
	ConfigPathEnvVar = "FLIGHTMAP_CONFIG"
)

// DefaultConfigPaths are searched in order when FLIGHTMAP_CONFIG is unset
var DefaultConfigPaths = []string{
	"flightmap.yaml",
	"flightmap.yml",
}

// sliceConfigPaths may be given as comma-separated strings in the environment
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// FLIGHTMAP_PIPELINE__FETCH_TIMEOUT -> pipeline.fetch_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for _, path := range sliceConfigPaths {
		if s, ok := k.Get(path).(string); ok {
			parts := strings.Split(s, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			if err := k.Set(path, parts); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading file or environment
func Default() *Config {
	return defaultConfig()
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	paths := append([]string{}, DefaultConfigPaths...)
	paths = append(paths, filepath.Join(SettingsDir(), "flightmap.yaml"))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate checks every section and returns all problems joined
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.View.Latitude < -90 || c.View.Latitude > 90 {
		errs = append(errs, fmt.Errorf("view.latitude %f out of range", c.View.Latitude))
	}
	if c.View.Longitude < -180 || c.View.Longitude > 180 {
		errs = append(errs, fmt.Errorf("view.longitude %f out of range", c.View.Longitude))
	}
	if c.View.Width == 0 || c.View.Height == 0 {
		errs = append(errs, errors.New("view.width and view.height must be positive"))
	}
	if c.View.FrameRate <= 0 {
		errs = append(errs, errors.New("view.frame_rate must be positive"))
	}

	if c.Pipeline.CacheEntries <= 0 {
		errs = append(errs, errors.New("pipeline.cache_entries must be positive"))
	}
	if c.Pipeline.ResultBuffer <= 0 {
		errs = append(errs, errors.New("pipeline.result_buffer must be positive"))
	}
	if c.Pipeline.MaxInFlight <= 0 {
		errs = append(errs, errors.New("pipeline.max_in_flight must be positive"))
	}
	if c.Pipeline.FetchTimeout <= 0 || c.Pipeline.UpdateBudget <= 0 {
		errs = append(errs, errors.New("pipeline.fetch_timeout and pipeline.update_budget must be positive"))
	}

	if c.Cache.Root == "" {
		errs = append(errs, errors.New("cache.root is required"))
	}
	switch c.Cache.Engine {
	case "files", "badger":
	default:
		errs = append(errs, fmt.Errorf("cache.engine must be files or badger, got %q", c.Cache.Engine))
	}

	if c.Satellite.Enabled && c.Satellite.TileURL == "" {
		errs = append(errs, errors.New("satellite.tile_url is required"))
	}
	if c.Weather.Enabled {
		if c.Weather.IndexURL == "" {
			errs = append(errs, errors.New("weather.index_url is required"))
		}
		if c.Weather.Size != 256 && c.Weather.Size != 512 {
			errs = append(errs, fmt.Errorf("weather.size must be 256 or 512, got %d", c.Weather.Size))
		}
	}

	if c.Prefetch.Workers <= 0 || c.Prefetch.MaxTiles <= 0 {
		errs = append(errs, errors.New("prefetch.workers and prefetch.max_tiles must be positive"))
	}
	if c.Prefetch.QueueDir == "" {
		errs = append(errs, errors.New("prefetch.queue_dir is required"))
	}

	if c.Telemetry.Enabled && c.Telemetry.FlushInterval <= 0 {
		errs = append(errs, errors.New("telemetry.flush_interval must be positive"))
	}

	return errors.Join(errs...)
}
