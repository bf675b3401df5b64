// Package origin describes the remote content origins a replica tracks:
// where an origin lives, how its filesets are fetched and cached, and
// which record hooks apply to its update feed.
package origin

import (
	"fmt"
	"strings"
)

// Fileset fetch strategies. They control how file content reaches the
// local caches after the record feed reports a fileset as out of date.
const (
	// FetchNone downloads no file content; records carry everything.
	FetchNone = "none"
	// FetchList downloads the fileset's file list and fetches each
	// file individually.
	FetchList = "list"
	// FetchArchive downloads the fileset's content as a single zip
	// archive and unpacks it into the cache.
	FetchArchive = "archive"
)

// KindData marks filesets whose records carry their content in the data
// payload; requests for them are answered with the payload as JSON.
const KindData = "data"

// Fileset configures one content category of an origin.
type Fileset struct {
	// Category is the record category the fileset covers.
	Category string
	// CacheName names the content cache backing the fileset. Empty
	// means the fileset's content is never cached locally.
	CacheName string
	// Fetch is one of FetchNone, FetchList or FetchArchive.
	Fetch string
	// Kind is KindData for payload-carrying filesets, empty for file
	// content.
	Kind string
}

// Origin is one tracked content origin.
type Origin struct {
	// URL is the remote base URL, always with a trailing slash.
	URL string
	// Mount is the local path prefix the origin is served under,
	// always with leading and trailing slashes.
	Mount string
	// Filesets by category. Use DefaultFilesets as the baseline and
	// override per category.
	Filesets map[string]Fileset
	// Hooks names the record hooks applied, in order, to every record
	// of the origin's update feed.
	Hooks []string
	// Excluded lists sub-path prefixes (relative to the mount) that are
	// never resolved locally; requests under them go to the network.
	Excluded []string
	// IndexFile is appended to extension-less request paths.
	IndexFile string
}

// DefaultFilesets returns the standard fileset layout: the app shell is
// fetched as an archive, pages and static files individually, and the
// json and server categories carry their content in the records.
func DefaultFilesets() map[string]Fileset {
	return map[string]Fileset{
		"app":    {Category: "app", CacheName: "app", Fetch: FetchArchive},
		"pages":  {Category: "pages", CacheName: "pages", Fetch: FetchList},
		"files":  {Category: "files", CacheName: "files", Fetch: FetchList},
		"json":   {Category: "json", Fetch: FetchNone, Kind: KindData},
		"server": {Category: "server", Fetch: FetchNone},
	}
}

// New builds an origin with defaulted filesets. Fileset overrides merge
// per category: an override replaces only the categories it names.
func New(url, mount string, overrides map[string]Fileset, hooks []string) (*Origin, error) {
	if url == "" {
		return nil, fmt.Errorf("origin has no url")
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	if mount == "" {
		mount = "/"
	}
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	if !strings.HasSuffix(mount, "/") {
		mount += "/"
	}
	filesets := DefaultFilesets()
	for category, fs := range overrides {
		fs.Category = category
		if fs.Fetch == "" {
			fs.Fetch = FetchNone
		}
		switch fs.Fetch {
		case FetchNone, FetchList, FetchArchive:
		default:
			return nil, fmt.Errorf("origin %s: fileset %s: unknown fetch strategy %q", url, category, fs.Fetch)
		}
		filesets[category] = fs
	}
	return &Origin{
		URL:       url,
		Mount:     mount,
		Filesets:  filesets,
		Hooks:     hooks,
		IndexFile: "index.html",
	}, nil
}

// IsExcluded reports whether a mount-relative path falls under one of
// the origin's excluded sub-paths.
func (o *Origin) IsExcluded(rel string) bool {
	for _, sub := range o.Excluded {
		if strings.HasPrefix(rel, strings.TrimPrefix(sub, "/")) {
			return true
		}
	}
	return false
}

// Fileset returns the fileset for a category, or nil if the origin does
// not track that category.
func (o *Origin) Fileset(category string) *Fileset {
	fs, ok := o.Filesets[category]
	if !ok {
		return nil
	}
	return &fs
}

// ResolveURL joins a relative API or file path onto the origin base.
func (o *Origin) ResolveURL(path string) string {
	return o.URL + strings.TrimPrefix(path, "/")
}
