package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config selects and configures a Store implementation.
type Config struct {
	// Type is one of "sqlite" or "memory".
	Type string `toml:"type"`
	// Dir is the directory holding the per-origin database files
	// (sqlite only).
	Dir string `toml:"dir"`
}

// NewStoreFromConfig creates a store for the given origin based on the
// configuration. Each origin gets its own isolated store.
func NewStoreFromConfig(config Config, origin string) (Store, error) {
	switch config.Type {
	case "sqlite":
		if config.Dir == "" {
			return nil, fmt.Errorf("sqlite store requires a dir")
		}
		if err := os.MkdirAll(config.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
		path := filepath.Join(config.Dir, originFilename(origin)+".db")
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}

// originFilename derives a filesystem-safe database name from an origin
// URL. Distinct origins must map to distinct names, so the scheme and
// path are kept, with unsafe characters replaced.
func originFilename(origin string) string {
	if origin == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range origin {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
