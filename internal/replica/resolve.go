package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/VictoriaMetrics/metrics"

	"locomote/internal/model"
	"locomote/internal/origin"
	"locomote/internal/query"
	"locomote/internal/store"
)

// Resolved is the local answer to a request path.
type Resolved struct {
	Status      int
	ContentType string
	Body        io.ReadCloser

	// Delegate means the replica holds nothing for the path and the
	// caller should pass the request through to the network.
	Delegate bool
}

// Resolve answers a request path from local state: the path is matched
// to an origin, looked up in its file database and served from the
// backing cache or the record itself.
func (s *Service) Resolve(ctx context.Context, reqPath string) (*Resolved, error) {
	o, rel := s.origins.Match(reqPath)
	if o == nil {
		return &Resolved{Delegate: true}, nil
	}
	return s.ResolveOrigin(ctx, o, rel, nil)
}

// ResolveOrigin answers a path relative to an origin's mount. Paths with
// no file extension are treated as directory requests and resolved with
// the origin's index file.
func (s *Service) ResolveOrigin(ctx context.Context, o *origin.Origin, rel string, params url.Values) (*Resolved, error) {
	if o.IsExcluded(rel) {
		return &Resolved{Delegate: true}, nil
	}
	if path.Ext(rel) == "" {
		rel = path.Join(rel, o.IndexFile)
	}
	st, err := s.storeFor(o)
	if err != nil {
		return nil, err
	}
	rec, err := st.Read(ctx, rel)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// A missing checkpoint means the database has never synced, so
		// absence proves nothing; let the network answer. Once synced,
		// a missing record is a definitive miss.
		latest, err := st.Read(ctx, model.LatestCommitPath)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return &Resolved{Delegate: true}, nil
		}
		return &Resolved{Status: 404}, nil
	}
	if rec.IsDeleted() {
		return &Resolved{Status: 404}, nil
	}
	if params.Get("format") == "record" {
		return jsonResolved(rec)
	}

	fs := o.Fileset(rec.Category)
	cache, err := s.cacheFor(fs)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		item, err := cache.Match(ctx, rel)
		if err != nil {
			return nil, err
		}
		if item != nil {
			metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_cache_hits_total{origin=%q}`, o.URL)).Inc()
		} else {
			metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_cache_misses_total{origin=%q}`, o.URL)).Inc()
			// Known file with no cached content yet: fill on demand.
			if err := s.downloadFile(ctx, o, cache, rel); err != nil {
				return nil, fmt.Errorf("filling cache for %s: %w", rel, err)
			}
			item, err = cache.Match(ctx, rel)
			if err != nil {
				return nil, err
			}
			if item == nil {
				return &Resolved{Delegate: true}, nil
			}
		}
		return &Resolved{Status: 200, ContentType: item.ContentType, Body: item.Body}, nil
	}

	if fs != nil && fs.Kind == origin.KindData {
		// The record carries its content in the data payload.
		if len(rec.Data) == 0 {
			return &Resolved{Status: 204}, nil
		}
		return &Resolved{
			Status:      200,
			ContentType: "application/json",
			Body:        io.NopCloser(bytes.NewReader(rec.Data)),
		}, nil
	}

	// Uncached file content with no payload: the network serves it.
	return &Resolved{Delegate: true}, nil
}

func jsonResolved(rec *model.FileRecord) (*Resolved, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Status:      200,
		ContentType: "application/json",
		Body:        io.NopCloser(bytes.NewReader(raw)),
	}, nil
}

// Passthrough forwards a request path straight to its origin over the
// fetcher, for paths the replica holds nothing for.
func (s *Service) Passthrough(ctx context.Context, reqPath string) (*Response, error) {
	o, rel := s.origins.Match(reqPath)
	if o == nil {
		return nil, fmt.Errorf("no origin for %s", reqPath)
	}
	return s.fetcher.Fetch(ctx, o.ResolveURL(rel))
}

// Query evaluates a parsed query string against an origin's database.
func (s *Service) Query(ctx context.Context, o *origin.Origin, values url.Values) (any, error) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_queries_total{origin=%q}`, o.URL)).Inc()
	st, err := s.storeFor(o)
	if err != nil {
		return nil, err
	}
	q, err := query.ParseValues(values)
	if err != nil {
		return nil, err
	}
	return query.New(st).Run(ctx, q)
}

// Updates streams the origin's records as newline-delimited JSON, the
// same shape the replica itself syncs from. With a since commit, only
// records from commits dated after it are included; commit dates come
// from the commit markers.
func (s *Service) Updates(ctx context.Context, o *origin.Origin, since string, w io.Writer) error {
	st, err := s.storeFor(o)
	if err != nil {
		return err
	}

	cutoff := ""
	if since != "" {
		marker, err := st.Read(ctx, model.CommitPath(since))
		if err != nil {
			return err
		}
		if marker != nil && marker.Info != nil {
			cutoff = marker.Info.Date
		}
	}
	markers, err := recordsWithPathPrefix(ctx, st, model.CommitPathPrefix)
	if err != nil {
		return err
	}
	dates := make(map[string]string, len(markers))
	for _, m := range markers {
		if m.Info != nil {
			dates[m.Commit] = m.Info.Date
		}
	}

	enc := json.NewEncoder(w)
	c, err := st.OpenCursor(ctx, store.IndexPath, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	for {
		ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		rec, err := st.Read(ctx, c.PrimaryKey())
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if cutoff != "" {
			// Records without a dated commit cannot be proven older
			// than the cutoff and are included.
			if d, ok := dates[rec.Commit]; ok && d <= cutoff && rec.Path != model.LatestCommitPath {
				continue
			}
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
}
