// Package config reads and writes the replica's TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"locomote/internal/cache"
	"locomote/internal/fetch"
	"locomote/internal/store"
)

// Config is the main configuration for the replica service.
type Config struct {
	BaseDir string `toml:"base_dir"`
	LogDir  string `toml:"log_dir"`
	Listen  string `toml:"listen"`
	// RefreshIntervalSeconds is how often the server refreshes origins
	// in the background. Zero disables the background refresh.
	RefreshIntervalSeconds int `toml:"refresh_interval_seconds"`

	// Statics lists asset URLs cached outside any origin and served
	// under their URL path.
	Statics []string `toml:"statics,omitempty"`

	Origins []OriginConfig `toml:"origins"`
	Store   store.Config   `toml:"store"`
	Cache   cache.Config   `toml:"cache"`
	Fetch   fetch.Config   `toml:"fetch"`
}

// OriginConfig describes one tracked content origin.
type OriginConfig struct {
	URL   string   `toml:"url"`
	Mount string   `toml:"mount"`
	Hooks []string `toml:"hooks,omitempty"`
	// Excluded sub-paths are never resolved locally.
	Excluded []string `toml:"excluded,omitempty"`
	// IndexFile is appended to extension-less request paths. Defaults
	// to index.html.
	IndexFile string `toml:"index_file,omitempty"`
	// Filesets override the default fileset layout per category.
	Filesets []FilesetConfig `toml:"filesets,omitempty"`
}

// FilesetConfig overrides one fileset category of an origin.
type FilesetConfig struct {
	Category string `toml:"category"`
	Cache    string `toml:"cache,omitempty"`
	Fetch    string `toml:"fetch,omitempty"`
	Kind     string `toml:"kind,omitempty"`
}

// NewConfig creates a Config with defaults rooted under baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Listen:  "127.0.0.1:8600",
		Store: store.Config{
			Type: "sqlite",
			Dir:  filepath.Join(baseDir, "store"),
		},
		Cache: cache.Config{
			Type: "filesystem",
			Dir:  filepath.Join(baseDir, "cache"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config. Fails if the file already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
