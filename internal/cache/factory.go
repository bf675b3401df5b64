package cache

import (
	"fmt"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"locomote/internal/replica"
)

// Config selects and configures the cache backend shared by all named
// caches.
type Config struct {
	// Type is one of "memory", "filesystem" or "encrypted".
	Type string `toml:"type"`
	// Dir is the directory holding the named caches (filesystem and
	// encrypted).
	Dir string `toml:"dir"`
	// KeyFile is the age identity file encrypting content at rest
	// (encrypted only).
	KeyFile string `toml:"key_file"`
}

// Set opens named caches on demand and hands back the same cache for
// the same name.
type Set struct {
	config   Config
	identity *age.X25519Identity

	mu   sync.Mutex
	open map[string]replica.Cache
}

// NewSetFromConfig builds a cache set. For the encrypted backend the
// key file is loaded up front; passphrase unlocks it when the file is
// passphrase-protected.
func NewSetFromConfig(config Config, passphrase string) (*Set, error) {
	s := &Set{config: config, open: make(map[string]replica.Cache)}
	switch config.Type {
	case "memory", "":
	case "filesystem":
		if config.Dir == "" {
			return nil, fmt.Errorf("filesystem cache requires a dir")
		}
	case "encrypted":
		if config.Dir == "" {
			return nil, fmt.Errorf("encrypted cache requires a dir")
		}
		if config.KeyFile == "" {
			return nil, fmt.Errorf("encrypted cache requires a key_file")
		}
		identity, err := LoadIdentity(config.KeyFile, passphrase)
		if err != nil {
			return nil, err
		}
		s.identity = identity
	default:
		return nil, fmt.Errorf("unknown cache type: %s", config.Type)
	}
	return s, nil
}

// Open returns the cache of the given name, creating it on first use.
func (s *Set) Open(name string) (replica.Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.open[name]; ok {
		return c, nil
	}

	var c replica.Cache
	switch s.config.Type {
	case "memory", "":
		c = NewMemory()
	case "filesystem":
		fs, err := NewFilesystem(filepath.Join(s.config.Dir, name))
		if err != nil {
			return nil, err
		}
		c = fs
	case "encrypted":
		fs, err := NewFilesystem(filepath.Join(s.config.Dir, name))
		if err != nil {
			return nil, err
		}
		c = NewEncrypted(fs, s.identity)
	}
	s.open[name] = c
	return c, nil
}

var _ replica.CacheSet = (*Set)(nil)
