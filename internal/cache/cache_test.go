package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"locomote/internal/replica"
)

func cacheFactories(t *testing.T) map[string]func(t *testing.T) replica.Cache {
	t.Helper()
	return map[string]func(t *testing.T) replica.Cache{
		"memory": func(t *testing.T) replica.Cache {
			return NewMemory()
		},
		"filesystem": func(t *testing.T) replica.Cache {
			c, err := NewFilesystem(t.TempDir())
			if err != nil {
				t.Fatalf("creating filesystem cache: %v", err)
			}
			return c
		},
		"encrypted": func(t *testing.T) replica.Cache {
			keyFile := filepath.Join(t.TempDir(), "cache.key")
			if err := GenerateKeyFile(keyFile, ""); err != nil {
				t.Fatalf("generating key: %v", err)
			}
			identity, err := LoadIdentity(keyFile, "")
			if err != nil {
				t.Fatalf("loading key: %v", err)
			}
			fs, err := NewFilesystem(t.TempDir())
			if err != nil {
				t.Fatalf("creating filesystem cache: %v", err)
			}
			return NewEncrypted(fs, identity)
		},
	}
}

func mustMatch(t *testing.T, c replica.Cache, key string) string {
	t.Helper()
	item, err := c.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("matching %s: %v", key, err)
	}
	if item == nil {
		t.Fatalf("expected %s to be cached", key)
	}
	defer item.Body.Close()
	content, err := io.ReadAll(item.Body)
	if err != nil {
		t.Fatalf("reading %s: %v", key, err)
	}
	return string(content)
}

func TestCache(t *testing.T) {
	for name, factory := range cacheFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("put then match round-trips", func(t *testing.T) {
				c := factory(t)
				err := c.Put(ctx, "pages/home.html", "text/html", strings.NewReader("<html>home</html>"))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got := mustMatch(t, c, "pages/home.html"); got != "<html>home</html>" {
					t.Errorf("unexpected content %q", got)
				}
				item, _ := c.Match(ctx, "pages/home.html")
				defer item.Body.Close()
				if item.ContentType != "text/html" {
					t.Errorf("unexpected content type %q", item.ContentType)
				}
			})

			t.Run("match missing returns nil", func(t *testing.T) {
				c := factory(t)
				item, err := c.Match(ctx, "nope.html")
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if item != nil {
					t.Errorf("expected nil, got %+v", item)
				}
			})

			t.Run("put replaces previous content", func(t *testing.T) {
				c := factory(t)
				c.Put(ctx, "a.txt", "text/plain", strings.NewReader("one"))
				c.Put(ctx, "a.txt", "text/plain", strings.NewReader("two"))
				if got := mustMatch(t, c, "a.txt"); got != "two" {
					t.Errorf("expected replacement, got %q", got)
				}
			})

			t.Run("delete removes and is idempotent", func(t *testing.T) {
				c := factory(t)
				c.Put(ctx, "a.txt", "text/plain", strings.NewReader("one"))
				if err := c.Delete(ctx, "a.txt"); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				item, err := c.Match(ctx, "a.txt")
				if err != nil || item != nil {
					t.Errorf("expected gone, got %+v err %v", item, err)
				}
				if err := c.Delete(ctx, "a.txt"); err != nil {
					t.Errorf("expected no-op delete, got %v", err)
				}
			})
		})
	}
}

func TestFilesystemConfinesKeys(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "cache")
	c, err := NewFilesystem(dir)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	ctx := context.Background()

	if err := c.Put(ctx, "", "text/plain", strings.NewReader("x")); err == nil {
		t.Error("expected empty key to be rejected")
	}

	// Traversal keys are clamped to the cache root, never its parent.
	if err := c.Put(ctx, "../../escape.txt", "text/plain", strings.NewReader("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); err == nil {
		t.Error("key escaped the cache root")
	}
	if _, err := os.Stat(filepath.Join(dir, "content", "escape.txt")); err != nil {
		t.Errorf("expected clamped entry inside the root: %v", err)
	}
}

func TestEncryptedContentAtRest(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "cache.key")
	if err := GenerateKeyFile(keyFile, ""); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	identity, err := LoadIdentity(keyFile, "")
	if err != nil {
		t.Fatalf("loading key: %v", err)
	}
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	if err != nil {
		t.Fatalf("creating filesystem cache: %v", err)
	}
	c := NewEncrypted(fs, identity)

	ctx := context.Background()
	secret := "confidential page body"
	if err := c.Put(ctx, "pages/secret.html", "text/html", strings.NewReader(secret)); err != nil {
		t.Fatalf("putting: %v", err)
	}

	// The bytes on disk must not contain the plaintext.
	raw, err := os.ReadFile(filepath.Join(dir, "content", "pages", "secret.html"))
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}
	if strings.Contains(string(raw), secret) {
		t.Error("plaintext found on disk")
	}

	if got := mustMatch(t, c, "pages/secret.html"); got != secret {
		t.Errorf("round-trip failed, got %q", got)
	}
}

func TestKeyFilePassphrase(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "cache.key")
	if err := GenerateKeyFile(keyFile, "hunter2"); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if _, err := LoadIdentity(keyFile, ""); err == nil {
		t.Error("expected error without passphrase")
	}
	if _, err := LoadIdentity(keyFile, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
	if _, err := LoadIdentity(keyFile, "hunter2"); err != nil {
		t.Errorf("expected unlock to succeed, got %v", err)
	}
}

func TestSetReturnsSameCache(t *testing.T) {
	s, err := NewSetFromConfig(Config{Type: "memory"}, "")
	if err != nil {
		t.Fatalf("creating set: %v", err)
	}
	a, err := s.Open("pages")
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	b, err := s.Open("pages")
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	if a != b {
		t.Error("expected the same cache for the same name")
	}
	if _, err := s.Open(""); err == nil {
		t.Error("expected error for empty name")
	}
}
