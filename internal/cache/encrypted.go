package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"locomote/internal/replica"
)

// Encrypted wraps another cache and encrypts content at rest with age
// X25519 keys. Content types stay in plaintext metadata; only the item
// bodies are encrypted.
type Encrypted struct {
	inner     replica.Cache
	recipient age.Recipient
	identity  age.Identity
}

// NewEncrypted wraps inner with encryption under the given identity.
func NewEncrypted(inner replica.Cache, identity *age.X25519Identity) *Encrypted {
	return &Encrypted{
		inner:     inner,
		recipient: identity.Recipient(),
		identity:  identity,
	}
}

func (c *Encrypted) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	// Encrypt through a pipe so large items never sit in memory whole.
	pr, pw := io.Pipe()
	go func() {
		ew, err := age.Encrypt(pw, c.recipient)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("creating encrypted writer: %w", err))
			return
		}
		if _, err := io.Copy(ew, body); err != nil {
			pw.CloseWithError(fmt.Errorf("encrypting content: %w", err))
			return
		}
		if err := ew.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("finalizing encryption: %w", err))
			return
		}
		pw.Close()
	}()
	if err := c.inner.Put(ctx, key, contentType, pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

func (c *Encrypted) Match(ctx context.Context, key string) (*replica.CachedItem, error) {
	item, err := c.inner.Match(ctx, key)
	if err != nil || item == nil {
		return item, err
	}
	dr, err := age.Decrypt(item.Body, c.identity)
	if err != nil {
		item.Body.Close()
		return nil, fmt.Errorf("decrypting cache content: %w", err)
	}
	return &replica.CachedItem{
		ContentType: item.ContentType,
		Body:        decryptedBody{Reader: dr, closer: item.Body},
	}, nil
}

func (c *Encrypted) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

var _ replica.Cache = (*Encrypted)(nil)

type decryptedBody struct {
	io.Reader
	closer io.Closer
}

func (b decryptedBody) Close() error {
	return b.closer.Close()
}

// GenerateKeyFile creates a new X25519 key pair and writes the identity
// to path. With a passphrase the identity is encrypted using age's
// scrypt-based passphrase encryption; without one it is plaintext.
func GenerateKeyFile(path, passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()

	if passphrase == "" {
		if _, err := io.WriteString(f, identity.String()+"\n"); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
		return nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted key: %w", err)
	}
	return nil
}

// LoadIdentity reads an X25519 identity from a key file written by
// GenerateKeyFile, decrypting it with the passphrase when needed.
func LoadIdentity(path, passphrase string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	keyData := data
	if !strings.Contains(string(data), "AGE-SECRET-KEY-") {
		if passphrase == "" {
			return nil, fmt.Errorf("key file %s is passphrase-protected", path)
		}
		scrypt, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		dr, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("decrypting key file: %w", err)
		}
		keyData, err = io.ReadAll(dr)
		if err != nil {
			return nil, fmt.Errorf("reading decrypted key: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", path)
}
