package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"locomote/internal/model"
)

// MemoryStore is an in-memory Store implementation. Used by tests and by
// the "memory" store config type.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.FileRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.FileRecord),
	}
}

// validateIndex rejects index names the store does not maintain up
// front, so that a bad name fails even against an empty store.
func validateIndex(index string) error {
	switch index {
	case IndexPath, IndexCategory, IndexStatus, IndexCommit:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownIndex, index)
}

// indexKey extracts the index key of a record for the named index.
func indexKey(rec *model.FileRecord, index string) (string, error) {
	switch index {
	case IndexPath:
		return rec.Path, nil
	case IndexCategory:
		return rec.Category, nil
	case IndexStatus:
		return string(rec.Status), nil
	case IndexCommit:
		return rec.Commit, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
}

func (s *MemoryStore) Read(_ context.Context, path string) (*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, paths []string) ([]*model.FileRecord, error) {
	result := make([]*model.FileRecord, len(paths))
	for i, path := range paths {
		rec, err := s.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		result[i] = rec
	}
	return result, nil
}

func (s *MemoryStore) Write(_ context.Context, rec *model.FileRecord) error {
	if rec.Path == "" {
		return fmt.Errorf("record has no path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Path] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

// entry is one (index key, primary key) pair of a cursor snapshot.
type entry struct {
	key string
	pk  string
}

// snapshot collects index entries matching the constraint, in ascending
// (key, pk) order.
func (s *MemoryStore) snapshot(index string, c Constraint) ([]entry, error) {
	if err := validateIndex(index); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []entry
	for _, rec := range s.records {
		key, err := indexKey(rec, index)
		if err != nil {
			return nil, err
		}
		if c != nil && !matches(c, key) {
			continue
		}
		entries = append(entries, entry{key: key, pk: rec.Path})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].pk < entries[j].pk
	})
	return entries, nil
}

func (s *MemoryStore) OpenCursor(_ context.Context, index string, c Constraint) (Cursor, error) {
	entries, err := s.snapshot(index, c)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{entries: entries, pos: -1}, nil
}

func (s *MemoryStore) Count(_ context.Context, index string, key string) (int, error) {
	entries, err := s.snapshot(index, Equals{Value: key})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *MemoryStore) ForEach(ctx context.Context, index string, key string, fn func(*model.FileRecord) error) error {
	// Snapshot first so that callbacks may write back to the store.
	entries, err := s.snapshot(index, Equals{Value: key})
	if err != nil {
		return err
	}
	for _, e := range entries {
		rec, err := s.Read(ctx, e.pk)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sliceCursor iterates a snapshot of index entries.
type sliceCursor struct {
	entries []entry
	pos     int
}

func (c *sliceCursor) Next() (bool, error) {
	if c.pos+1 >= len(c.entries) {
		c.pos = len(c.entries)
		return false, nil
	}
	c.pos++
	return true, nil
}

func (c *sliceCursor) Key() string {
	return c.entries[c.pos].key
}

func (c *sliceCursor) PrimaryKey() string {
	return c.entries[c.pos].pk
}

func (c *sliceCursor) Close() error {
	return nil
}

// Compile-time check that MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)
