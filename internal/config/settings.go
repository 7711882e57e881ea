package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SettingsDir returns the per-user settings directory, ~/.flightmap/settings
func SettingsDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".flightmap", "settings")
}

// EnsureInstallID returns the anonymous install id stored in dir, creating it
// on first use. An unreadable or corrupt file is replaced.
func EnsureInstallID(dir string) (string, error) {
	path := filepath.Join(dir, "install_id")

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create settings directory: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
