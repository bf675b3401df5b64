// Package cache provides the content caches backing filesets: in-memory
// for tests and small deployments, filesystem-backed for persistence,
// and an age-encrypted variant for content at rest.
package cache

import (
	"bytes"
	"context"
	"io"
	"sync"

	"locomote/internal/replica"
)

type memoryItem struct {
	contentType string
	content     []byte
}

// Memory is an in-memory cache.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (c *Memory) Put(_ context.Context, key, contentType string, body io.Reader) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = memoryItem{contentType: contentType, content: content}
	return nil
}

func (c *Memory) Match(_ context.Context, key string) (*replica.CachedItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	return &replica.CachedItem{
		ContentType: item.contentType,
		Body:        io.NopCloser(bytes.NewReader(item.content)),
	}, nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Len returns the number of cached items.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

var _ replica.Cache = (*Memory)(nil)
