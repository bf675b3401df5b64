// Package app is the application layer between the CLI and the replica
// service: it constructs all dependencies from config and manages their
// lifecycle on Close.
package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"locomote/internal/cache"
	"locomote/internal/config"
	"locomote/internal/fetch"
	"locomote/internal/origin"
	"locomote/internal/replica"
	"locomote/internal/server"
	"locomote/internal/store"
)

// App wires the replica service and its HTTP server from configuration.
type App struct {
	cfg     *config.Config
	service *replica.Service
	server  *server.Server
	stores  map[string]store.Store
	logger  replica.Logger
	logFile *os.File
}

// NewApp creates a fully wired App from the given config. runName
// identifies the CLI command being run (e.g. "Serve", "RefreshAll").
// cachePassphrase unlocks the cache key file when the encrypted cache
// backend is configured. The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, runName string, cachePassphrase string) (*App, error) {
	runID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), runName)
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	if len(cfg.Origins) == 0 {
		logFile.Close()
		return nil, fmt.Errorf("no origins configured")
	}

	registry := origin.NewRegistry()
	stores := make(map[string]store.Store)
	closeStores := func() {
		for _, st := range stores {
			st.Close()
		}
	}
	for _, oc := range cfg.Origins {
		overrides := make(map[string]origin.Fileset, len(oc.Filesets))
		for _, fc := range oc.Filesets {
			if fc.Category == "" {
				closeStores()
				logFile.Close()
				return nil, fmt.Errorf("origin %s: fileset has no category", oc.URL)
			}
			overrides[fc.Category] = origin.Fileset{CacheName: fc.Cache, Fetch: fc.Fetch, Kind: fc.Kind}
		}
		o, err := origin.New(oc.URL, oc.Mount, overrides, oc.Hooks)
		if err != nil {
			closeStores()
			logFile.Close()
			return nil, fmt.Errorf("building origin: %w", err)
		}
		o.Excluded = oc.Excluded
		if oc.IndexFile != "" {
			o.IndexFile = oc.IndexFile
		}
		registry.Add(o)

		st, err := store.NewStoreFromConfig(cfg.Store, o.URL)
		if err != nil {
			closeStores()
			logFile.Close()
			return nil, fmt.Errorf("creating store for %s: %w", o.URL, err)
		}
		stores[o.URL] = st
	}

	caches, err := cache.NewSetFromConfig(cfg.Cache, cachePassphrase)
	if err != nil {
		closeStores()
		logFile.Close()
		return nil, fmt.Errorf("creating caches: %w", err)
	}

	fetcher, err := fetch.NewFetcherFromConfig(ctx, cfg.Fetch)
	if err != nil {
		closeStores()
		logFile.Close()
		return nil, fmt.Errorf("creating fetcher: %w", err)
	}

	svc := replica.NewService(registry, stores, caches, fetcher,
		replica.NewHookSet(), logger, replica.RealClock{}, replica.UUIDGenerator{})

	return &App{
		cfg:     cfg,
		service: svc,
		server:  server.New(svc, logger, cfg.Listen, cfg.Statics),
		stores:  stores,
		logger:  logger,
		logFile: logFile,
	}, nil
}

// Service returns the wired replica service, for registering hooks.
func (a *App) Service() *replica.Service {
	return a.service
}

// RefreshAll refreshes every configured origin.
func (a *App) RefreshAll(ctx context.Context) error {
	return a.service.RefreshAll(ctx)
}

// RefreshOrigin refreshes the origin registered under the given URL.
func (a *App) RefreshOrigin(ctx context.Context, originURL string) error {
	o := a.service.Origins().ByURL(originURL)
	if o == nil {
		return fmt.Errorf("unknown origin: %s", originURL)
	}
	return a.service.RefreshOrigin(ctx, o)
}

// CleanAll removes tombstoned records and their cached content for every
// configured origin.
func (a *App) CleanAll(ctx context.Context) error {
	for _, o := range a.service.Origins().All() {
		if err := a.service.CleanOrigin(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a raw query string against an origin's file database.
func (a *App) Query(ctx context.Context, originURL string, rawQuery string) (any, error) {
	o := a.service.Origins().ByURL(originURL)
	if o == nil {
		return nil, fmt.Errorf("unknown origin: %s", originURL)
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing query: %w", err)
	}
	return a.service.Query(ctx, o, values)
}

// Serve runs the HTTP server until the context is cancelled. When a
// refresh interval is configured, origins are refreshed once at startup
// and then on every tick.
func (a *App) Serve(ctx context.Context) error {
	if interval := a.cfg.RefreshIntervalSeconds; interval > 0 {
		go a.refreshLoop(ctx, time.Duration(interval)*time.Second)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return <-errc
	}
}

func (a *App) refreshLoop(ctx context.Context, interval time.Duration) {
	if err := a.service.RefreshAll(ctx); err != nil {
		a.logger.Error("startup refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.service.RefreshAll(ctx); err != nil {
				a.logger.Error("background refresh failed", "error", err)
			}
		}
	}
}

// Close closes all stores and the log file.
func (a *App) Close() error {
	var firstErr error
	for url, st := range a.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store for %s: %w", url, err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
