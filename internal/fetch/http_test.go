package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPFetch(t *testing.T) {
	t.Run("returns status and body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>ok</html>")
		}))
		defer srv.Close()

		f := NewHTTP(5*time.Second, 0)
		resp, err := f.Fetch(context.Background(), srv.URL+"/page.html")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer resp.Body.Close()
		if resp.Status != 200 || resp.ContentType != "text/html" {
			t.Errorf("unexpected response: %+v", resp)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "<html>ok</html>" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("does not retry http error statuses", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		f := NewHTTP(5*time.Second, 3)
		resp, err := f.Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
		if resp.Status != 500 {
			t.Errorf("expected 500, got %d", resp.Status)
		}
		if hits.Load() != 1 {
			t.Errorf("expected a single attempt, got %d", hits.Load())
		}
	})

	t.Run("retries transport errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // nothing listens any more

		f := NewHTTP(time.Second, 2)
		start := time.Now()
		if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
			t.Fatal("expected error")
		}
		// Two retries mean at least two backoff waits.
		if time.Since(start) < 250*time.Millisecond {
			t.Error("expected backoff between attempts")
		}
	})
}

func TestSplitS3URL(t *testing.T) {
	bucket, key, err := splitS3URL("s3://content-bucket/site/updates.api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "content-bucket" || key != "site/updates.api" {
		t.Errorf("unexpected split: %q %q", bucket, key)
	}
	for _, bad := range []string{"https://x", "s3://", "s3://bucket", "s3://bucket/"} {
		if _, _, err := splitS3URL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
