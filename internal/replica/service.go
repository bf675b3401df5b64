package replica

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"locomote/internal/origin"
	"locomote/internal/store"
)

// Service is the orchestration layer of the replica: it keeps each
// origin's local file database in sync with the remote, answers queries
// over it and resolves request paths to local content.
type Service struct {
	origins *origin.Registry
	stores  map[string]store.Store
	caches  CacheSet
	fetcher Fetcher
	hooks   *HookSet
	logger  Logger
	clock   Clock
	idgen   IDGenerator

	// One lock per origin URL; refreshes of the same origin never
	// overlap, concurrent callers skip instead of queueing.
	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewService creates a Service with the provided dependencies. The
// stores map is keyed by origin URL and must contain an entry for every
// registered origin.
func NewService(origins *origin.Registry, stores map[string]store.Store, caches CacheSet, fetcher Fetcher, hooks *HookSet, logger Logger, clock Clock, idgen IDGenerator) *Service {
	if hooks == nil {
		hooks = NewHookSet()
	}
	return &Service{
		origins: origins,
		stores:  stores,
		caches:  caches,
		fetcher: fetcher,
		hooks:   hooks,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Origins returns the origin registry.
func (s *Service) Origins() *origin.Registry {
	return s.origins
}

// Hooks returns the hook registry, for registering named record hooks.
func (s *Service) Hooks() *HookSet {
	return s.hooks
}

// storeFor returns the store backing an origin.
func (s *Service) storeFor(o *origin.Origin) (store.Store, error) {
	st, ok := s.stores[o.URL]
	if !ok {
		return nil, fmt.Errorf("no store for origin %s", o.URL)
	}
	return st, nil
}

// cacheFor opens the cache backing a fileset, or returns nil when the
// fileset keeps no local content.
func (s *Service) cacheFor(fs *origin.Fileset) (Cache, error) {
	if fs == nil || fs.CacheName == "" {
		return nil, nil
	}
	return s.caches.Open(fs.CacheName)
}
