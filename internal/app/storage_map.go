package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/storage"
)

// mapStorageConfig validates and converts the JSON config into the store
// config. Every deployment gets a store; "memory" covers dry runs.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	out := storage.Config{DefaultAllDestinations: cfg.Broadcast.DefaultAllDestinations}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./herald.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.Driver = "sqlite"
		out.Path = path
		out.BusyTimeout = busy
	case "file":
		if path == "" {
			path = "./herald.json"
		}
		out.Driver = "file"
		out.Path = path
	case "memory", "none":
		out.Driver = "memory"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	return out, nil
}
