// Package store provides the ordered file-record store underlying the
// replica: a single logical table keyed by path, with secondary indexes
// used by the sync engine and the query engine.
package store

import (
	"context"
	"errors"

	"locomote/internal/model"
)

// ErrUnknownIndex is returned when a cursor, count or scan names an index
// that the store does not maintain. This indicates a caller/config mistake,
// not an empty result.
var ErrUnknownIndex = errors.New("unknown index")

// Index names understood by all backends. IndexPath is the primary key.
const (
	IndexPath     = "path"
	IndexCategory = "category"
	IndexStatus   = "status"
	IndexCommit   = "commit"
)

// Constraint restricts the index keys a cursor visits.
type Constraint interface {
	constraint()
}

// Equals matches a single index key exactly.
type Equals struct {
	Value string
}

// Range matches keys between From and To, both inclusive. An empty bound
// leaves that side open.
type Range struct {
	From string
	To   string
}

// Prefix positions the cursor at the first key >= Value. The store cannot
// compute an upper bound for a string prefix; callers must stop iterating
// once keys no longer start with the prefix.
type Prefix struct {
	Value string
}

func (Equals) constraint() {}
func (Range) constraint()  {}
func (Prefix) constraint() {}

// Cursor iterates index entries in ascending (index key, primary key)
// order. A fresh cursor is positioned before the first entry; call Next
// to advance.
type Cursor interface {
	// Next advances to the next entry, returning false when exhausted.
	Next() (bool, error)

	// Key returns the index key at the current position.
	Key() string

	// PrimaryKey returns the record path at the current position.
	PrimaryKey() string

	Close() error
}

// Store is the replica's ordered key-value store. Writes of a single
// record are atomic; there are no multi-record transactions.
type Store interface {
	// Read returns the record at path, or nil if absent.
	Read(ctx context.Context, path string) (*model.FileRecord, error)

	// ReadAll returns one record per path, position-matched, with nil
	// entries for missing paths.
	ReadAll(ctx context.Context, paths []string) ([]*model.FileRecord, error)

	// Write upserts a record by its path.
	Write(ctx context.Context, rec *model.FileRecord) error

	// Delete physically removes the record at path. Missing paths are a
	// no-op.
	Delete(ctx context.Context, path string) error

	// OpenCursor opens a cursor over the named index restricted by the
	// given constraint.
	OpenCursor(ctx context.Context, index string, c Constraint) (Cursor, error)

	// Count returns the number of index entries with the exact key.
	Count(ctx context.Context, index string, key string) (int, error)

	// ForEach invokes fn for every record whose index entry equals key.
	// The callback may read from and write to the store.
	ForEach(ctx context.Context, index string, key string, fn func(*model.FileRecord) error) error

	Close() error
}

// matches reports whether an index key satisfies the constraint. Shared by
// backends that filter in process.
func matches(c Constraint, key string) bool {
	switch t := c.(type) {
	case Equals:
		return key == t.Value
	case Range:
		if t.From != "" && key < t.From {
			return false
		}
		if t.To != "" && key > t.To {
			return false
		}
		return true
	case Prefix:
		return key >= t.Value
	default:
		return false
	}
}
