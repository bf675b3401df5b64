// Package server exposes the replica over HTTP: origin content under
// their mounts, the query and updates endpoints, and a small control
// surface for triggering refreshes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/julienschmidt/httprouter"

	"locomote/internal/replica"
)

// Server serves replicated content and the control endpoints.
type Server struct {
	svc    *replica.Service
	logger replica.Logger
	http   *http.Server

	// statics maps local request paths to the remote URLs of statically
	// cached assets.
	statics map[string]string
}

// New creates a server listening on addr. staticURLs lists assets cached
// outside any origin, served under their URL path.
func New(svc *replica.Service, logger replica.Logger, addr string, staticURLs []string) *Server {
	s := &Server{svc: svc, logger: logger, statics: make(map[string]string, len(staticURLs))}
	for _, u := range staticURLs {
		if parsed, err := url.Parse(u); err == nil && parsed.Path != "" {
			s.statics[parsed.Path] = u
		} else {
			logger.Warn("ignoring invalid static url", "url", u)
		}
	}

	router := httprouter.New()
	router.POST("/_locomote/refresh", s.handleRefresh)
	router.POST("/_locomote/refresh-statics", s.handleRefreshStatics)
	router.POST("/_locomote/clean", s.handleClean)
	router.GET("/_locomote/metrics", s.handleMetrics)
	// Everything else is origin content, matched by mount.
	router.NotFound = http.HandlerFunc(s.handleContent)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Handler returns the root HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown. Configured statics are
// pre-cached first; failures are logged, not fatal.
func (s *Server) ListenAndServe() error {
	if len(s.statics) > 0 {
		if err := s.svc.RefreshStatics(context.Background(), s.staticURLs()); err != nil {
			s.logger.Warn("pre-caching statics failed", "error", err)
		}
	}
	s.logger.Info("server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleRefresh triggers a refresh: of a single origin when the origin
// parameter names one, of all origins otherwise.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	if url := r.URL.Query().Get("origin"); url != "" {
		o := s.svc.Origins().ByURL(url)
		if o == nil {
			http.Error(w, fmt.Sprintf("unknown origin: %s", url), http.StatusNotFound)
			return
		}
		if err := s.svc.RefreshOrigin(ctx, o); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		if err := s.svc.RefreshAll(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleRefreshStatics repopulates the static-asset cache.
func (s *Server) handleRefreshStatics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.RefreshStatics(r.Context(), s.staticURLs()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) staticURLs() []string {
	urls := make([]string, 0, len(s.statics))
	for _, u := range s.statics {
		urls = append(urls, u)
	}
	return urls
}

// handleClean removes tombstoned records and their cached content for
// every origin.
func (s *Server) handleClean(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	for _, o := range s.svc.Origins().All() {
		if err := s.svc.CleanOrigin(r.Context(), o); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	metrics.WritePrometheus(w, true)
}

// handleContent answers content requests: the dynamic query and updates
// endpoints of each origin, and file paths resolved from local state.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	o, rel := s.svc.Origins().Match(r.URL.Path)
	if o == nil {
		if u, ok := s.statics[r.URL.Path]; ok {
			s.serveStatic(w, r, u)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch rel {
	case "query.api":
		result, err := s.svc.Query(ctx, o, r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, result)
		return
	case "updates.api":
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := s.svc.Updates(ctx, o, r.URL.Query().Get("since"), w); err != nil {
			s.logger.Error("streaming updates failed", "path", r.URL.Path, "error", err)
		}
		return
	}

	res, err := s.svc.ResolveOrigin(ctx, o, rel, r.URL.Query())
	if err != nil {
		s.logger.Error("resolving request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "resolution failed", http.StatusInternalServerError)
		return
	}
	if res.Delegate {
		s.passthrough(w, r)
		return
	}
	s.writeResolved(w, r, res)
}

// serveStatic answers a request for a statically cached asset.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, u string) {
	res, err := s.svc.StaticContent(r.Context(), u)
	if err != nil {
		s.logger.Warn("serving static failed", "path", r.URL.Path, "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	s.writeResolved(w, r, res)
}

func (s *Server) writeResolved(w http.ResponseWriter, r *http.Request, res *replica.Resolved) {
	if res.Body == nil {
		w.WriteHeader(res.Status)
		return
	}
	defer res.Body.Close()
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, res.Body); err != nil {
			s.logger.Error("writing response failed", "path", r.URL.Path, "error", err)
		}
	}
}

// passthrough proxies a request the replica has no local answer for
// straight to the origin.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Passthrough(r.Context(), r.URL.Path)
	if err != nil {
		s.logger.Warn("passthrough failed", "path", r.URL.Path, "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && !strings.Contains(err.Error(), "broken pipe") {
		s.logger.Error("encoding response failed", "error", err)
	}
}
