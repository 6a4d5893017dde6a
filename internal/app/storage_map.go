package app

import (
	"strings"

	"pagetest/internal/config"
	"pagetest/internal/storage"
)

// mapStorageConfig converts the validated storage section. enabled is false
// for driver "none".
func mapStorageConfig(cfg *config.Config, d config.Durations) (sc storage.Config, enabled bool) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: driver, Path: cfg.Storage.Path, BusyTimeout: d.BusyTimeout}, true
}
