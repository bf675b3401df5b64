package replica_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"locomote/internal/cache"
	"locomote/internal/model"
	"locomote/internal/origin"
	"locomote/internal/replica"
	"locomote/internal/store"
	"locomote/internal/testutil"
)

const base = "https://cms.example.com/"

type fixture struct {
	svc     *replica.Service
	st      *store.MemoryStore
	fetcher *testutil.ScriptedFetcher
	origin  *origin.Origin
}

func newFixture(t *testing.T, overrides map[string]origin.Fileset, hooks []string) *fixture {
	t.Helper()
	o, err := origin.New(base, "/", overrides, hooks)
	if err != nil {
		t.Fatalf("building origin: %v", err)
	}
	reg := origin.NewRegistry()
	reg.Add(o)

	caches, err := cache.NewSetFromConfig(cache.Config{Type: "memory"}, "")
	if err != nil {
		t.Fatalf("building caches: %v", err)
	}
	st := store.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	svc := replica.NewService(reg,
		map[string]store.Store{o.URL: st},
		caches, fetcher, replica.NewHookSet(),
		replica.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	return &fixture{svc: svc, st: st, fetcher: fetcher, origin: o}
}

func marker(hash, date string) *model.FileRecord {
	return &model.FileRecord{
		Path:     model.CommitPath(hash),
		Category: "$commit",
		Commit:   hash,
		Info:     &model.CommitInfo{Commit: hash, Date: date},
	}
}

func checkpoint(hash string) *model.FileRecord {
	return &model.FileRecord{Path: model.LatestCommitPath, Commit: hash}
}

func categoryMarker(name, commit string) *model.FileRecord {
	return &model.FileRecord{Path: model.CategoryPath(name), Category: model.CategoryCategory, Commit: commit}
}

func acmGroup(commit string) *model.FileRecord {
	return &model.FileRecord{Path: model.ACMGroupPath, Category: model.CategoryGroup, Commit: commit}
}

func file(path, category, commit string) *model.FileRecord {
	return &model.FileRecord{Path: path, Category: category, Status: model.StatusActive, Commit: commit}
}

func tombstone(path, category, commit string) *model.FileRecord {
	return &model.FileRecord{Path: path, Category: category, Status: model.StatusDeleted, Commit: commit}
}

func mustRead(t *testing.T, st store.Store, path string) *model.FileRecord {
	t.Helper()
	rec, err := st.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return rec
}

// scriptInitialSync registers the responses for a first full sync: one
// commit with a page and a json record.
func (f *fixture) scriptInitialSync() {
	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("pages/home.html", "pages", "c1"),
		file("posts/a.json", "json", "c1"),
		categoryMarker("pages", "c1"),
		acmGroup("g1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list", 200, "application/x-ndjson",
		testutil.FileList("pages/home.html"))
	f.fetcher.RespondText(base+"pages/home.html", "text/html", "<html>home v1</html>")
}

func TestRefreshInitialSync(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()

	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if rec := mustRead(t, f.st, model.LatestCommitPath); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected checkpoint c1, got %+v", rec)
	}
	if rec := mustRead(t, f.st, "pages/home.html"); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected page record, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected pages fingerprint at c1, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.ACMFingerprintPath); rec == nil || rec.Commit != "g1" {
		t.Errorf("expected access group fingerprint g1, got %+v", rec)
	}

	// The downloaded page is served from the local cache.
	res, err := f.svc.Resolve(ctx, "/pages/home.html")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if res.Status != 200 || res.ContentType != "text/html" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	content, _ := readBody(t, res)
	if content != "<html>home v1</html>" {
		t.Errorf("unexpected content %q", content)
	}
}

func readBody(t *testing.T, res *replica.Resolved) (string, error) {
	t.Helper()
	defer res.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(res.Body)
	return buf.String(), err
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()

	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	// Nothing changed upstream: the incremental feed is empty.
	f.fetcher.Respond(base+"updates.api?since=c1", 200, "application/x-ndjson", nil)
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if n := f.fetcher.RequestCount(base + "filesets.api/pages/list"); n != 1 {
		t.Errorf("expected fileset to be fetched once, got %d", n)
	}
	if n := f.fetcher.RequestCount(base + "pages/home.html"); n != 1 {
		t.Errorf("expected page content to be fetched once, got %d", n)
	}
	if rec := mustRead(t, f.st, model.LatestCommitPath); rec.Commit != "c1" {
		t.Errorf("checkpoint moved unexpectedly: %+v", rec)
	}
}

func TestRefreshIncrementalUpdate(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// Commit c2 updates the page and deletes the json record.
	f.fetcher.Respond(base+"updates.api?since=c1", 200, "application/x-ndjson", testutil.Feed(
		marker("c2", "2026-01-02T10:00:00Z"),
		file("pages/home.html", "pages", "c2"),
		tombstone("posts/a.json", "json", "c2"),
		categoryMarker("pages", "c2"),
		checkpoint("c2"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list?since=c1", 200, "application/x-ndjson",
		testutil.FileList("pages/home.html"))
	f.fetcher.RespondText(base+"pages/home.html", "text/html", "<html>home v2</html>")

	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if rec := mustRead(t, f.st, model.LatestCommitPath); rec.Commit != "c2" {
		t.Errorf("expected checkpoint c2, got %+v", rec)
	}
	// The tombstoned record was physically removed by cleanup.
	if rec := mustRead(t, f.st, "posts/a.json"); rec != nil {
		t.Errorf("expected tombstone to be cleaned, got %+v", rec)
	}
	// Commit c1 has no files left; its marker was pruned.
	if rec := mustRead(t, f.st, model.CommitPath("c1")); rec != nil {
		t.Errorf("expected empty commit to be pruned, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec.Commit != "c2" {
		t.Errorf("expected pages fingerprint at c2, got %+v", rec)
	}

	res, err := f.svc.Resolve(ctx, "/pages/home.html")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	content, _ := readBody(t, res)
	if content != "<html>home v2</html>" {
		t.Errorf("expected updated content, got %q", content)
	}
}

func TestRefreshFeedFailureAdvancesNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	f.fetcher.Fail(base+"updates.api?since=c1", errors.New("connection refused"))
	if err := f.svc.RefreshOrigin(ctx, f.origin); err == nil {
		t.Fatal("expected refresh to fail")
	}

	if rec := mustRead(t, f.st, model.LatestCommitPath); rec.Commit != "c1" {
		t.Errorf("checkpoint must not advance on failure, got %+v", rec)
	}
	// Local content still resolves while the origin is unreachable.
	res, err := f.svc.Resolve(ctx, "/pages/home.html")
	if err != nil {
		t.Fatalf("resolving offline: %v", err)
	}
	if content, _ := readBody(t, res); content != "<html>home v1</html>" {
		t.Errorf("expected cached content offline, got %q", content)
	}
}

func TestRefreshFilesetFailureKeepsFingerprint(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	f.fetcher.Respond(base+"updates.api?since=c1", 200, "application/x-ndjson", testutil.Feed(
		marker("c2", "2026-01-02T10:00:00Z"),
		file("pages/home.html", "pages", "c2"),
		categoryMarker("pages", "c2"),
		checkpoint("c2"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list?since=c1", 500, "", nil)

	if err := f.svc.RefreshOrigin(ctx, f.origin); err == nil {
		t.Fatal("expected refresh to fail on fileset download")
	}
	// The feed was applied but the fileset fingerprint did not advance,
	// so the download repeats next time.
	if rec := mustRead(t, f.st, model.LatestCommitPath); rec.Commit != "c2" {
		t.Errorf("expected checkpoint c2, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec.Commit != "c1" {
		t.Errorf("fingerprint must not advance on failure, got %+v", rec)
	}

	// Once the fileset endpoint recovers, the retry completes.
	f.fetcher.Respond(base+"updates.api?since=c2", 200, "application/x-ndjson", nil)
	f.fetcher.Respond(base+"filesets.api/pages/list?since=c1", 200, "application/x-ndjson",
		testutil.FileList("pages/home.html"))
	f.fetcher.RespondText(base+"pages/home.html", "text/html", "<html>home v2</html>")
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec.Commit != "c2" {
		t.Errorf("expected fingerprint c2 after retry, got %+v", rec)
	}
}

func TestRefreshNoUpdatesStillRefreshesFilesets(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("pages/home.html", "pages", "c1"),
		categoryMarker("pages", "c1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list", 500, "", nil)
	if err := f.svc.RefreshOrigin(ctx, f.origin); err == nil {
		t.Fatal("expected refresh to fail on fileset download")
	}

	// The origin has nothing new and answers the feed with a 404. The
	// refresh is still a success and catches up the pending download.
	f.fetcher.Respond(base+"filesets.api/pages/list", 200, "application/x-ndjson",
		testutil.FileList("pages/home.html"))
	f.fetcher.RespondText(base+"pages/home.html", "text/html", "<html>home</html>")
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if rec := mustRead(t, f.st, model.LatestCommitPath); rec.Commit != "c1" {
		t.Errorf("checkpoint moved unexpectedly: %+v", rec)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected fingerprint c1, got %+v", rec)
	}
}

func TestRefreshFilesetSkipsFailedDownloads(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("pages/one.html", "pages", "c1"),
		file("pages/two.html", "pages", "c1"),
		categoryMarker("pages", "c1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list", 200, "application/x-ndjson",
		testutil.FileList("pages/one.html", "pages/two.html"))
	f.fetcher.Respond(base+"pages/one.html", 500, "", nil)
	f.fetcher.RespondText(base+"pages/two.html", "text/html", "<html>two</html>")

	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	// The failed file was logged and skipped: the walk continued and
	// the fingerprint still advanced.
	if n := f.fetcher.RequestCount(base + "pages/two.html"); n != 1 {
		t.Errorf("expected the walk to continue past the failure, got %d fetches", n)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected fingerprint c1, got %+v", rec)
	}
	res, err := f.svc.Resolve(ctx, "/pages/two.html")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if content, _ := readBody(t, res); content != "<html>two</html>" {
		t.Errorf("unexpected content %q", content)
	}
}

func TestRefreshFilesetFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("files/logo.png", "files", "c1"),
		file("pages/home.html", "pages", "c1"),
		categoryMarker("files", "c1"),
		categoryMarker("pages", "c1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/files/list", 500, "", nil)
	f.fetcher.Respond(base+"filesets.api/pages/list", 200, "application/x-ndjson",
		testutil.FileList("pages/home.html"))
	f.fetcher.RespondText(base+"pages/home.html", "text/html", "<html>home</html>")

	err := f.svc.RefreshOrigin(ctx, f.origin)
	if err == nil || !strings.Contains(err.Error(), "refreshing fileset files") {
		t.Fatalf("expected the files fileset failure to be reported, got %v", err)
	}
	// The failure did not stop the pages fileset from refreshing.
	if n := f.fetcher.RequestCount(base + "filesets.api/pages/list"); n != 1 {
		t.Errorf("expected the pages fileset to refresh, got %d fetches", n)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("pages")); rec == nil || rec.Commit != "c1" {
		t.Errorf("expected pages fingerprint c1, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.FingerprintPath("files")); rec != nil {
		t.Errorf("files fingerprint must not advance on failure, got %+v", rec)
	}
}

func TestCleanPrunesEmptyCommits(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	seed := []*model.FileRecord{
		marker("c1", "2026-01-01T10:00:00Z"),
		marker("c2", "2026-01-02T10:00:00Z"),
		file("pages/home.html", "pages", "c2"),
		categoryMarker("pages", "c2"),
		checkpoint("c2"),
	}
	for _, rec := range seed {
		if err := f.st.Write(ctx, rec); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}

	if err := f.svc.CleanOrigin(ctx, f.origin); err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	// Commit c1 has no files left; its marker goes away even though
	// category markers and the checkpoint also carry commit hashes.
	if rec := mustRead(t, f.st, model.CommitPath("c1")); rec != nil {
		t.Errorf("expected empty commit c1 to be pruned, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.CommitPath("c2")); rec == nil {
		t.Error("expected live commit c2 to survive")
	}
	if rec := mustRead(t, f.st, model.LatestCommitPath); rec == nil {
		t.Error("expected checkpoint to survive")
	}
}

func TestRefreshAccessGroupChangeForcesFullResync(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("pages/one.html", "pages", "c1"),
		categoryMarker("pages", "c1"),
		acmGroup("g1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list", 200, "application/x-ndjson",
		testutil.FileList("pages/one.html"))
	f.fetcher.RespondText(base+"pages/one.html", "text/html", "<html>one</html>")
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// Commit c2 only rotates the access group.
	f.fetcher.Respond(base+"updates.api?since=c1", 200, "application/x-ndjson", testutil.Feed(
		marker("c2", "2026-01-02T10:00:00Z"),
		acmGroup("g2"),
		checkpoint("c2"),
	))
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if rec := mustRead(t, f.st, model.ACMFingerprintPath); rec.Commit != "g1" {
		t.Errorf("fingerprint must lag the group until a full resync, got %+v", rec)
	}

	// The next refresh sees the mismatch and resyncs from scratch. The
	// new view no longer contains one.html or commit c1.
	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c2", "2026-01-02T10:00:00Z"),
		file("pages/two.html", "pages", "c2"),
		categoryMarker("pages", "c2"),
		acmGroup("g2"),
		checkpoint("c2"),
	))
	f.fetcher.Respond(base+"filesets.api/pages/list?since=c1", 200, "application/x-ndjson",
		testutil.FileList("pages/two.html"))
	f.fetcher.RespondText(base+"pages/two.html", "text/html", "<html>two</html>")
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("full resync failed: %v", err)
	}

	if n := f.fetcher.RequestCount(base + "updates.api?since="); n != 1 {
		t.Errorf("expected exactly one incremental fetch, got %d", n)
	}
	if rec := mustRead(t, f.st, model.ACMFingerprintPath); rec.Commit != "g2" {
		t.Errorf("expected fingerprint g2 after full resync, got %+v", rec)
	}
	// one.html was not in the new view: its commit went stale and its
	// files were swept and cleaned.
	if rec := mustRead(t, f.st, "pages/one.html"); rec != nil {
		t.Errorf("expected one.html to be removed, got %+v", rec)
	}
	if rec := mustRead(t, f.st, model.CommitPath("c1")); rec != nil {
		t.Errorf("expected stale commit marker to be removed, got %+v", rec)
	}
	if rec := mustRead(t, f.st, "pages/two.html"); rec == nil {
		t.Error("expected two.html to be present")
	}
}

func TestRefreshArchiveFileset(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for name, content := range map[string]string{
		"index.html": "<html>app</html>",
		"app.js":     "console.log('app')",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("writing zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}

	f.fetcher.Respond(base+"updates.api", 200, "application/x-ndjson", testutil.Feed(
		marker("c1", "2026-01-01T10:00:00Z"),
		file("index.html", "app", "c1"),
		file("app.js", "app", "c1"),
		categoryMarker("app", "c1"),
		checkpoint("c1"),
	))
	f.fetcher.Respond(base+"filesets.api/app/contents", 200, "application/zip", archive.Bytes())

	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	res, err := f.svc.Resolve(ctx, "/index.html")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if res.ContentType != "text/html" {
		t.Errorf("unexpected content type %q", res.ContentType)
	}
	if content, _ := readBody(t, res); content != "<html>app</html>" {
		t.Errorf("unexpected content %q", content)
	}
	// Archive entries were unpacked, not fetched individually.
	if n := f.fetcher.RequestCount(base + "index.html"); n != 0 {
		t.Errorf("expected no per-file fetches, got %d", n)
	}
}

func TestRefreshAppliesHooksInOrder(t *testing.T) {
	f := newFixture(t, nil, []string{"stamp", "uppercase-name"})
	f.svc.Hooks().Register("stamp", func(_ context.Context, rec *model.FileRecord) error {
		rec.Name = "stamped:" + rec.Path
		return nil
	})
	f.svc.Hooks().Register("uppercase-name", func(_ context.Context, rec *model.FileRecord) error {
		rec.Name = strings.ToUpper(rec.Name)
		return nil
	})
	f.scriptInitialSync()

	if err := f.svc.RefreshOrigin(context.Background(), f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	rec := mustRead(t, f.st, "pages/home.html")
	if rec.Name != "STAMPED:PAGES/HOME.HTML" {
		t.Errorf("hooks did not apply in order: %q", rec.Name)
	}
}

func TestRefreshUnknownHookFails(t *testing.T) {
	f := newFixture(t, nil, []string{"does-not-exist"})
	f.scriptInitialSync()
	err := f.svc.RefreshOrigin(context.Background(), f.origin)
	if err == nil || !strings.Contains(err.Error(), "unknown record hook") {
		t.Fatalf("expected unknown hook error, got %v", err)
	}
}

func TestRefreshSkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t, nil, []string{"block"})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.svc.Hooks().Register("block", func(_ context.Context, _ *model.FileRecord) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	f.scriptInitialSync()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- f.svc.RefreshOrigin(ctx, f.origin) }()
	<-started

	// A concurrent refresh of the same origin skips instead of queueing.
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("expected overlapping refresh to skip, got %v", err)
	}
	if n := f.fetcher.RequestCount(base + "updates.api"); n != 1 {
		t.Errorf("expected a single feed fetch, got %d", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked refresh failed: %v", err)
	}
}

func TestUpdatesFeed(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scriptInitialSync()
	ctx := context.Background()
	if err := f.svc.RefreshOrigin(ctx, f.origin); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	t.Run("full feed contains all records", func(t *testing.T) {
		var buf bytes.Buffer
		if err := f.svc.Updates(ctx, f.origin, "", &buf); err != nil {
			t.Fatalf("streaming updates: %v", err)
		}
		paths := feedPaths(t, buf.Bytes())
		if !paths["pages/home.html"] || !paths[model.LatestCommitPath] {
			t.Errorf("feed missing expected records: %v", paths)
		}
	})

	t.Run("since excludes records at or before the cutoff", func(t *testing.T) {
		var buf bytes.Buffer
		if err := f.svc.Updates(ctx, f.origin, "c1", &buf); err != nil {
			t.Fatalf("streaming updates: %v", err)
		}
		paths := feedPaths(t, buf.Bytes())
		if paths["pages/home.html"] {
			t.Error("expected c1 records to be excluded")
		}
		if !paths[model.LatestCommitPath] {
			t.Error("expected the checkpoint to always be included")
		}
	})
}

func feedPaths(t *testing.T, body []byte) map[string]bool {
	t.Helper()
	paths := make(map[string]bool)
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec model.FileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decoding feed line %q: %v", line, err)
		}
		paths[rec.Path] = true
	}
	return paths
}
