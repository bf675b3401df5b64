package model

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a file record. Deleted records are
// tombstones: they stay in the store until the cleanup pass removes them.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Reserved record paths. These pseudo-files live in the same table as
// ordinary file records and carry the sync engine's bookkeeping state.
const (
	LatestCommitPath   = ".locomote/commit/$latest"
	CommitPathPrefix   = ".locomote/commit/"
	CategoryPathPrefix = ".locomote/category/"
	FingerprintPrefix  = ".locomote/fingerprint/"
	ACMGroupPath       = ".locomote/acm/group"
	ACMFingerprintPath = ".locomote/fingerprint/acm/group"
)

// Reserved category names for bookkeeping records.
const (
	CategoryCategory    = "$category"
	CategoryFingerprint = "$fingerprint"
	CategoryGroup       = "$group"
)

// CommitInfo carries the metadata of a commit-marker record.
type CommitInfo struct {
	Commit  string `json:"commit,omitempty"`
	Subject string `json:"subject,omitempty"`
	Date    string `json:"date,omitempty"`
}

// FileRecord is one row of the replicated file database. The structural
// fields drive syncing and querying; everything else the origin sends is
// opaque payload, preserved byte-exactly in Extra across a round-trip.
type FileRecord struct {
	Path     string
	Category string
	Status   Status
	Commit   string
	Name     string
	Info     *CommitInfo
	Stale    bool
	Page     json.RawMessage
	Data     json.RawMessage
	Extra    map[string]json.RawMessage
}

// CommitPath returns the record path of a commit marker.
func CommitPath(hash string) string {
	return CommitPathPrefix + hash
}

// CategoryPath returns the record path of a category marker.
func CategoryPath(name string) string {
	return CategoryPathPrefix + name
}

// FingerprintPath returns the record path of a fileset fingerprint.
func FingerprintPath(name string) string {
	return FingerprintPrefix + name
}

// IsDeleted reports whether the record is a tombstone.
func (r *FileRecord) IsDeleted() bool {
	return r.Status == StatusDeleted
}

// IsCommitMarker reports whether the record is a commit marker
// (including the $latest checkpoint).
func (r *FileRecord) IsCommitMarker() bool {
	return len(r.Path) > len(CommitPathPrefix) && r.Path[:len(CommitPathPrefix)] == CommitPathPrefix
}

// Clone returns a copy of the record. Payload fields share the underlying
// bytes; they are never mutated in place.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	if r.Info != nil {
		info := *r.Info
		c.Info = &info
	}
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// structural field names; everything else round-trips through Extra.
var knownFields = map[string]bool{
	"path":     true,
	"category": true,
	"status":   true,
	"commit":   true,
	"name":     true,
	"info":     true,
	"_stale":   true,
	"page":     true,
	"data":     true,
}

// UnmarshalJSON decodes a record, capturing unknown fields into Extra so
// that the sync engine can carry payload content through unchanged.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = FileRecord{}
	for key, raw := range fields {
		var err error
		switch key {
		case "path":
			err = json.Unmarshal(raw, &r.Path)
		case "category":
			err = json.Unmarshal(raw, &r.Category)
		case "status":
			err = json.Unmarshal(raw, &r.Status)
		case "commit":
			err = json.Unmarshal(raw, &r.Commit)
		case "name":
			err = json.Unmarshal(raw, &r.Name)
		case "info":
			err = json.Unmarshal(raw, &r.Info)
		case "_stale":
			err = json.Unmarshal(raw, &r.Stale)
		case "page":
			r.Page = raw
		case "data":
			r.Data = raw
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			r.Extra[key] = raw
		}
		if err != nil {
			return fmt.Errorf("decoding record field %q: %w", key, err)
		}
	}
	if r.Path == "" {
		return fmt.Errorf("record has no path")
	}
	return nil
}

// MarshalJSON encodes the record, merging Extra back into the output.
func (r *FileRecord) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+8)
	for key, raw := range r.Extra {
		if knownFields[key] {
			continue
		}
		fields[key] = raw
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding record field %q: %w", key, err)
		}
		fields[key] = raw
		return nil
	}
	if err := put("path", r.Path); err != nil {
		return nil, err
	}
	if r.Category != "" {
		if err := put("category", r.Category); err != nil {
			return nil, err
		}
	}
	if r.Status != "" {
		if err := put("status", r.Status); err != nil {
			return nil, err
		}
	}
	if r.Commit != "" {
		if err := put("commit", r.Commit); err != nil {
			return nil, err
		}
	}
	if r.Name != "" {
		if err := put("name", r.Name); err != nil {
			return nil, err
		}
	}
	if r.Info != nil {
		if err := put("info", r.Info); err != nil {
			return nil, err
		}
	}
	if r.Stale {
		if err := put("_stale", true); err != nil {
			return nil, err
		}
	}
	if len(r.Page) > 0 {
		fields["page"] = r.Page
	}
	if len(r.Data) > 0 {
		fields["data"] = r.Data
	}
	return json.Marshal(fields)
}
