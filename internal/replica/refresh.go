package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"locomote/internal/model"
	"locomote/internal/origin"
	"locomote/internal/store"
	"locomote/internal/stream"
)

// RefreshAll refreshes every registered origin. A failing origin does
// not stop the others; all failures are reported together.
func (s *Service) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, o := range s.origins.All() {
		if err := s.RefreshOrigin(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("refreshing %s: %w", o.URL, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshOrigin brings one origin's local database up to date with the
// remote. Refreshes of the same origin never overlap: if one is already
// running, the call logs and returns immediately.
func (s *Service) RefreshOrigin(ctx context.Context, o *origin.Origin) error {
	mu, _ := s.locks.LoadOrStore(o.URL, &sync.Mutex{})
	if !mu.TryLock() {
		s.logger.Debug("refresh already in progress, skipping", "origin", o.URL)
		return nil
	}
	defer mu.Unlock()

	st, err := s.storeFor(o)
	if err != nil {
		return err
	}

	opID := s.idgen.New()
	started := s.clock.Now()
	s.logger.Info("refresh started", "op", opID, "origin", o.URL)
	metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_refresh_total{origin=%q}`, o.URL)).Inc()

	if err := s.doRefresh(ctx, o, st, opID); err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_refresh_errors_total{origin=%q}`, o.URL)).Inc()
		s.logger.Error("refresh failed", "op", opID, "origin", o.URL, "error", err)
		return err
	}
	if err := s.cleanOrigin(ctx, o, st); err != nil {
		s.logger.Error("cleanup failed", "op", opID, "origin", o.URL, "error", err)
		return err
	}

	s.logger.Info("refresh finished", "op", opID, "origin", o.URL,
		"duration", s.clock.Now().Sub(started).String())
	return nil
}

func (s *Service) doRefresh(ctx context.Context, o *origin.Origin, st store.Store, opID string) error {
	since := ""
	latest, err := st.Read(ctx, model.LatestCommitPath)
	if err != nil {
		return err
	}
	if latest != nil {
		since = latest.Commit
	}

	// A changed access-control group invalidates the replica's view of
	// what it may hold; the only safe recovery is a full resync.
	group, err := st.Read(ctx, model.ACMGroupPath)
	if err != nil {
		return err
	}
	fingerprint, err := st.Read(ctx, model.ACMFingerprintPath)
	if err != nil {
		return err
	}
	if since != "" && group != nil && (fingerprint == nil || fingerprint.Commit != group.Commit) {
		s.logger.Info("access group changed, forcing full resync",
			"op", opID, "origin", o.URL, "group", group.Commit)
		since = ""
	}

	full := since == ""

	hooks, err := s.hooks.Resolve(o.Hooks)
	if err != nil {
		return err
	}

	feedURL := o.ResolveURL("updates.api")
	if since != "" {
		feedURL += "?since=" + url.QueryEscape(since)
	}
	resp, err := s.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return fmt.Errorf("fetching updates feed: %w", err)
	}
	defer resp.Body.Close()

	// Any status other than 200 means the origin has nothing new to
	// report. Pending fileset downloads still run; the stale-marking
	// sweep does not, since it only makes sense against a full feed.
	if resp.Status != 200 {
		s.logger.Info("no updates from origin", "op", opID, "origin", o.URL, "status", resp.Status)
		return s.refreshFilesets(ctx, o, st, opID)
	}

	if full {
		if err := s.markCommitsStale(ctx, st); err != nil {
			return err
		}
	}

	// The checkpoint record is held back until the whole feed has been
	// consumed, so a broken download never advances the watermark.
	var checkpoint *model.FileRecord
	count := 0
	d := stream.NewJSONLReader(resp.Body)
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decoding updates feed: %w", err)
		}
		for _, hook := range hooks {
			if err := hook(ctx, rec); err != nil {
				return fmt.Errorf("record hook failed on %s: %w", rec.Path, err)
			}
		}
		if rec.Path == model.LatestCommitPath {
			checkpoint = rec
			continue
		}
		if err := s.applyRecord(ctx, st, rec); err != nil {
			return err
		}
		count++
	}
	if checkpoint != nil {
		if err := st.Write(ctx, checkpoint); err != nil {
			return fmt.Errorf("writing checkpoint: %w", err)
		}
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_feed_records_total{origin=%q}`, o.URL)).Add(count)
	s.logger.Debug("updates feed applied", "op", opID, "origin", o.URL, "records", count, "full", full)

	if full {
		if err := s.sweepStaleCommits(ctx, st); err != nil {
			return err
		}
	}

	if err := s.refreshFilesets(ctx, o, st, opID); err != nil {
		return err
	}

	if full {
		// The replica is now consistent with whichever access group the
		// full feed reflected.
		group, err := st.Read(ctx, model.ACMGroupPath)
		if err != nil {
			return err
		}
		if group != nil {
			fp := group.Clone()
			fp.Path = model.ACMFingerprintPath
			fp.Category = model.CategoryFingerprint
			if err := st.Write(ctx, fp); err != nil {
				return fmt.Errorf("writing access group fingerprint: %w", err)
			}
		}
	}
	return nil
}

// applyRecord writes one feed record and maintains commit bookkeeping:
// when a file moves to a new commit, the commit it left may have no
// files remaining and its marker is pruned.
func (s *Service) applyRecord(ctx context.Context, st store.Store, rec *model.FileRecord) error {
	prevCommit := ""
	if rec.Commit != "" && !isBookkeepingPath(rec.Path) {
		old, err := st.Read(ctx, rec.Path)
		if err != nil {
			return err
		}
		if old != nil && old.Commit != "" && old.Commit != rec.Commit {
			prevCommit = old.Commit
		}
	}
	if err := st.Write(ctx, rec); err != nil {
		return err
	}
	if prevCommit != "" {
		if err := s.pruneCommit(ctx, st, prevCommit); err != nil {
			return err
		}
	}
	return nil
}

func isBookkeepingPath(path string) bool {
	return strings.HasPrefix(path, ".locomote/")
}

// pruneCommit deletes a commit marker once no file records reference
// its commit any longer. Bookkeeping records share the commit hash but
// do not keep it alive.
func (s *Service) pruneCommit(ctx context.Context, st store.Store, commit string) error {
	n, err := commitFileCount(ctx, st, commit)
	if err != nil {
		return err
	}
	if n == 0 {
		return st.Delete(ctx, model.CommitPath(commit))
	}
	return nil
}

// commitFileCount counts the file records of a commit, skipping the
// commit's own marker and any other bookkeeping records.
func commitFileCount(ctx context.Context, st store.Store, commit string) (int, error) {
	n := 0
	err := st.ForEach(ctx, store.IndexCommit, commit, func(rec *model.FileRecord) error {
		if !isBookkeepingPath(rec.Path) {
			n++
		}
		return nil
	})
	return n, err
}

// recordsWithPathPrefix collects the records whose path starts with the
// given prefix, in path order.
func recordsWithPathPrefix(ctx context.Context, st store.Store, prefix string) ([]*model.FileRecord, error) {
	c, err := st.OpenCursor(ctx, store.IndexPath, store.Prefix{Value: prefix})
	if err != nil {
		return nil, err
	}
	var paths []string
	for {
		ok, err := c.Next()
		if err != nil {
			c.Close()
			return nil, err
		}
		if !ok || !strings.HasPrefix(c.Key(), prefix) {
			break
		}
		paths = append(paths, c.PrimaryKey())
	}
	if err := c.Close(); err != nil {
		return nil, err
	}
	loaded, err := st.ReadAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	recs := make([]*model.FileRecord, 0, len(loaded))
	for _, rec := range loaded {
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// markCommitsStale flags every commit marker except the checkpoint at
// the start of a full resync. Markers the feed re-delivers come back
// clean; whatever stays flagged afterwards no longer exists remotely.
func (s *Service) markCommitsStale(ctx context.Context, st store.Store) error {
	markers, err := recordsWithPathPrefix(ctx, st, model.CommitPathPrefix)
	if err != nil {
		return err
	}
	for _, marker := range markers {
		if marker.Path == model.LatestCommitPath || marker.Stale {
			continue
		}
		marker.Stale = true
		if err := st.Write(ctx, marker); err != nil {
			return err
		}
	}
	return nil
}

// sweepStaleCommits tombstones the files of every commit marker still
// flagged after a full resync, then drops the marker.
func (s *Service) sweepStaleCommits(ctx context.Context, st store.Store) error {
	markers, err := recordsWithPathPrefix(ctx, st, model.CommitPathPrefix)
	if err != nil {
		return err
	}
	for _, marker := range markers {
		if !marker.Stale || marker.Path == model.LatestCommitPath {
			continue
		}
		err := st.ForEach(ctx, store.IndexCommit, marker.Commit, func(rec *model.FileRecord) error {
			if rec.IsCommitMarker() {
				return nil
			}
			if rec.IsDeleted() {
				return nil
			}
			rec.Status = model.StatusDeleted
			return st.Write(ctx, rec)
		})
		if err != nil {
			return err
		}
		if err := st.Delete(ctx, marker.Path); err != nil {
			return err
		}
	}
	return nil
}

// refreshFilesets downloads content for every fileset whose category
// marker has moved past its fingerprint. A failing fileset does not
// block the remaining ones; its fingerprint stays put so the download
// repeats on the next refresh, and the failure is reported once every
// fileset has had its turn.
func (s *Service) refreshFilesets(ctx context.Context, o *origin.Origin, st store.Store, opID string) error {
	markers, err := recordsWithPathPrefix(ctx, st, model.CategoryPathPrefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, marker := range markers {
		name := strings.TrimPrefix(marker.Path, model.CategoryPathPrefix)
		if name == "" || strings.HasPrefix(name, "$") {
			continue
		}
		fingerprint, err := st.Read(ctx, model.FingerprintPath(name))
		if err != nil {
			return err
		}
		if fingerprint != nil && fingerprint.Commit == marker.Commit {
			continue
		}
		since := ""
		if fingerprint != nil {
			since = fingerprint.Commit
		}
		s.logger.Debug("fileset out of date", "op", opID, "fileset", name,
			"have", since, "want", marker.Commit)
		if err := s.refreshFileset(ctx, o, name, since); err != nil {
			s.logger.Error("fileset refresh failed", "op", opID, "fileset", name, "error", err)
			errs = append(errs, fmt.Errorf("refreshing fileset %s: %w", name, err))
			continue
		}
		fp := marker.Clone()
		fp.Path = model.FingerprintPath(name)
		fp.Category = model.CategoryFingerprint
		if err := st.Write(ctx, fp); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func (s *Service) refreshFileset(ctx context.Context, o *origin.Origin, name, since string) error {
	fs := o.Fileset(name)
	if fs == nil {
		s.logger.Warn("feed names unconfigured fileset", "origin", o.URL, "fileset", name)
		return nil
	}
	cache, err := s.cacheFor(fs)
	if err != nil {
		return err
	}
	if cache == nil || fs.Fetch == origin.FetchNone {
		return nil
	}
	switch fs.Fetch {
	case origin.FetchList:
		return s.refreshFilesetList(ctx, o, cache, name, since)
	case origin.FetchArchive:
		return s.refreshFilesetArchive(ctx, o, cache, name, since)
	default:
		return fmt.Errorf("fileset %s: unknown fetch strategy %q", name, fs.Fetch)
	}
}

// refreshFilesetList fetches the fileset's manifest and downloads each
// listed file individually. A file that fails to download is logged and
// skipped; the manifest walk keeps going and the fingerprint still
// advances.
func (s *Service) refreshFilesetList(ctx context.Context, o *origin.Origin, cache Cache, name, since string) error {
	listURL := o.ResolveURL("filesets.api/" + name + "/list")
	if since != "" {
		listURL += "?since=" + url.QueryEscape(since)
	}
	resp, err := s.fetcher.Fetch(ctx, listURL)
	if err != nil {
		return fmt.Errorf("fetching file list: %w", err)
	}
	defer resp.Body.Close()
	if resp.Status != 200 {
		return fmt.Errorf("file list returned status %d", resp.Status)
	}

	// The manifest is one JSON string per line, each a file path
	// relative to the origin base.
	d := json.NewDecoder(resp.Body)
	for {
		var path string
		err := d.Decode(&path)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decoding file list: %w", err)
		}
		if err := s.downloadFile(ctx, o, cache, path); err != nil {
			s.logger.Error("file download failed", "origin", o.URL, "path", path, "error", err)
		}
	}
	return nil
}

func (s *Service) downloadFile(ctx context.Context, o *origin.Origin, cache Cache, path string) error {
	resp, err := s.fetcher.Fetch(ctx, o.ResolveURL(path))
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.Status != 200 {
		return fmt.Errorf("fetching %s: status %d", path, resp.Status)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = MIMEType(path)
	}
	if err := cache.Put(ctx, path, contentType, resp.Body); err != nil {
		return fmt.Errorf("caching %s: %w", path, err)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_files_downloaded_total{origin=%q}`, o.URL)).Inc()
	return nil
}

// refreshFilesetArchive fetches the fileset's content as one zip stream
// and unpacks the entries into the cache as they arrive.
func (s *Service) refreshFilesetArchive(ctx context.Context, o *origin.Origin, cache Cache, name, since string) error {
	archiveURL := o.ResolveURL("filesets.api/" + name + "/contents")
	if since != "" {
		archiveURL += "?since=" + url.QueryEscape(since)
	}
	resp, err := s.fetcher.Fetch(ctx, archiveURL)
	if err != nil {
		return fmt.Errorf("fetching archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.Status != 200 {
		return fmt.Errorf("archive returned status %d", resp.Status)
	}

	z := stream.NewZipReader(resp.Body)
	for {
		entry, err := z.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("unpacking archive: %w", err)
		}
		if strings.HasSuffix(entry.Name, "/") {
			continue // directory entry
		}
		if err := cache.Put(ctx, entry.Name, MIMEType(entry.Name), entry); err != nil {
			return fmt.Errorf("caching %s: %w", entry.Name, err)
		}
		metrics.GetOrCreateCounter(fmt.Sprintf(`locomote_files_downloaded_total{origin=%q}`, o.URL)).Inc()
	}
	return nil
}
