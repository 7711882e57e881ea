package main

import (
	"slices"

	"flightmap-desktop/internal/config"
	"flightmap-desktop/internal/pipeline"
)

// ===================
// Settings Management
// ===================

// GetSettings returns the effective configuration
func (a *App) GetSettings() config.Config {
	// Return a copy to prevent external modifications
	cfg := *a.cfg
	cfg.Server.CORSOrigins = slices.Clone(a.cfg.Server.CORSOrigins)
	return cfg
}

// GetSettingsPath returns the per-user settings directory
func (a *App) GetSettingsPath() string {
	return config.SettingsDir()
}

// GetInstallID returns the anonymous install id used for telemetry
func (a *App) GetInstallID() string {
	return a.installID
}

// GetVersion returns the version linked into the binary
func (a *App) GetVersion() string {
	return AppVersion
}

// ===================
// Tile Server
// ===================

// GetTileServerURL returns the local tile server URL, empty while it is disabled or starting
func (a *App) GetTileServerURL() string {
	if a.server == nil {
		return ""
	}
	return a.server.GetTileServerURL()
}

// GetPipelineStats reports the state of every tile pipeline
func (a *App) GetPipelineStats() []pipeline.Stats {
	return a.pipelines.Stats()
}
