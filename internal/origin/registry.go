package origin

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the set of tracked origins and matches request paths
// to the origin mounted closest to them.
type Registry struct {
	mu      sync.RWMutex
	origins []*Origin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an origin. Adding an origin with the same mount as an
// existing one replaces it. Origins are kept sorted longest mount
// first, so the most specific mount wins on lookup.
func (r *Registry) Add(o *Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.origins {
		if existing.Mount == o.Mount {
			r.origins[i] = o
			return
		}
	}
	r.origins = append(r.origins, o)
	sort.Slice(r.origins, func(i, j int) bool {
		return len(r.origins[i].Mount) > len(r.origins[j].Mount)
	})
}

// Match returns the origin whose mount prefixes the request path, and
// the remainder of the path relative to the mount. Returns nil when no
// origin matches.
func (r *Registry) Match(path string) (*Origin, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for _, o := range r.origins {
		if strings.HasPrefix(path, o.Mount) {
			return o, strings.TrimPrefix(path, o.Mount)
		}
	}
	return nil, ""
}

// ByURL returns the origin with the given base URL, or nil.
func (r *Registry) ByURL(url string) *Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if url != "" && !strings.HasSuffix(url, "/") {
		url += "/"
	}
	for _, o := range r.origins {
		if o.URL == url {
			return o
		}
	}
	return nil
}

// All returns a snapshot of the registered origins.
func (r *Registry) All() []*Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Origin, len(r.origins))
	copy(out, r.origins)
	return out
}
