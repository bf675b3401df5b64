package replica

import (
	"context"
	"io"
)

// CachedItem is one entry read back from a content cache.
type CachedItem struct {
	ContentType string
	Body        io.ReadCloser
}

// Cache stores downloaded file content keyed by record path. Filesets
// map onto named caches; several filesets may share one.
type Cache interface {
	// Put stores an item, replacing any previous content at the key.
	Put(ctx context.Context, key, contentType string, body io.Reader) error

	// Match returns the item at key, or nil when absent. The caller
	// owns the returned body.
	Match(ctx context.Context, key string) (*CachedItem, error)

	// Delete removes the item at key. Missing keys are a no-op.
	Delete(ctx context.Context, key string) error
}

// CacheSet resolves cache names to caches. Open returns the same cache
// for the same name across calls.
type CacheSet interface {
	Open(name string) (Cache, error)
}
