package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"locomote/internal/replica"
)

// Filesystem is a cache persisted under a directory: item content lives
// under content/ and the content type in a sidecar under meta/, both
// mirroring the key's path structure.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem cache rooted at dir, creating the
// directory structure if needed.
func NewFilesystem(dir string) (*Filesystem, error) {
	for _, sub := range []string{"content", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &Filesystem{root: dir}, nil
}

// keyPath maps a cache key to a path under the given subtree, rejecting
// keys that would escape the cache root.
func (c *Filesystem) keyPath(sub, key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(c.root, sub, filepath.FromSlash(cleaned)), nil
}

func (c *Filesystem) Put(_ context.Context, key, contentType string, body io.Reader) error {
	contentPath, err := c.keyPath("content", key)
	if err != nil {
		return err
	}
	metaPath, err := c.keyPath("meta", key)
	if err != nil {
		return err
	}
	for _, p := range []string{contentPath, metaPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("creating cache subdirectory: %w", err)
		}
	}

	// Write-then-rename so a reader never sees partial content.
	tmp, err := os.CreateTemp(filepath.Dir(contentPath), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), contentPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("moving cache content into place: %w", err)
	}
	if err := os.WriteFile(metaPath, []byte(contentType), 0644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}
	return nil
}

func (c *Filesystem) Match(_ context.Context, key string) (*replica.CachedItem, error) {
	contentPath, err := c.keyPath("content", key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(contentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening cache content: %w", err)
	}
	contentType := ""
	if metaPath, err := c.keyPath("meta", key); err == nil {
		if meta, err := os.ReadFile(metaPath); err == nil {
			contentType = string(meta)
		}
	}
	return &replica.CachedItem{ContentType: contentType, Body: f}, nil
}

func (c *Filesystem) Delete(_ context.Context, key string) error {
	contentPath, err := c.keyPath("content", key)
	if err != nil {
		return err
	}
	metaPath, err := c.keyPath("meta", key)
	if err != nil {
		return err
	}
	for _, p := range []string{contentPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing cache entry: %w", err)
		}
	}
	return nil
}

var _ replica.Cache = (*Filesystem)(nil)
