// Package blob is a filesystem-backed blob store for single-node setups. Blobs
// are served back over HTTP through signed, expiring URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/signing"
)

// LocalFS stores blobs under Root. URLs point at BaseURL + "/blobs/<key>".
type LocalFS struct {
	root    string
	baseURL string
	signer  *signing.Signer
	ttl     time.Duration
}

// NewLocalFS creates the root directory if needed.
func NewLocalFS(root, baseURL string, signer *signing.Signer, ttl time.Duration) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalFS{root: root, baseURL: strings.TrimRight(baseURL, "/"), signer: signer, ttl: ttl}, nil
}

// ResolveForRead returns a signed URL for key.
func (l *LocalFS) ResolveForRead(ctx context.Context, key string) (string, error) {
	abs, clean, err := l.abs(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("blob %q: %w", clean, model.ErrNotFound)
		}
		return "", fmt.Errorf("stat blob: %w", err)
	}
	return l.signedURL(clean), nil
}

// Write streams r to a temporary file next to the destination and renames
// it into place, so readers never observe a partially written blob. A
// non-empty contentType is kept under .meta and served back by Handler.
func (l *LocalFS) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) (model.BlobRef, error) {
	abs, clean, err := l.abs(key)
	if err != nil {
		return model.BlobRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return model.BlobRef{}, fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("create temp blob: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err == nil {
		err = l.writeMeta(clean, contentType)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), abs)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return model.BlobRef{}, fmt.Errorf("write blob: %w", err)
	}
	return model.BlobRef{Key: clean, URL: l.signedURL(clean)}, nil
}

// Remove deletes key.
func (l *LocalFS) Remove(ctx context.Context, key string) error {
	abs, clean, err := l.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	if err := os.Remove(l.metaPath(clean)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob metadata: %w", err)
	}
	return nil
}

// ContentType returns the media type recorded for key, or "" when none was
// given on Write.
func (l *LocalFS) ContentType(key string) string {
	_, clean, err := l.abs(key)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(l.metaPath(clean))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeMeta records contentType for clean. Keys never start with a dot, so
// the .meta tree cannot collide with a blob.
func (l *LocalFS) writeMeta(clean, contentType string) error {
	meta := l.metaPath(clean)
	if contentType == "" {
		if err := os.Remove(meta); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear content type: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(meta), 0o750); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	if err := os.WriteFile(meta, []byte(contentType), 0o640); err != nil {
		return fmt.Errorf("write content type: %w", err)
	}
	return nil
}

func (l *LocalFS) metaPath(clean string) string {
	return filepath.Join(l.root, ".meta", filepath.FromSlash(clean))
}

// Open returns the blob file for key.
func (l *LocalFS) Open(key string) (*os.File, error) {
	abs, _, err := l.abs(key)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Handler serves GET /blobs/<key>?expires=..&signature=.. . Mount it with the
// "/blobs/" prefix already stripped.
func (l *LocalFS) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/")
		q := r.URL.Query()
		if !l.signer.Validate(key, q.Get("expires"), q.Get("signature")) {
			http.Error(w, "invalid or expired signature", http.StatusUnauthorized)
			return
		}
		f, err := l.Open(key)
		if err != nil {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil || stat.IsDir() {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		if ct := l.ContentType(key); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, path.Base(key), stat.ModTime(), f)
	})
}

func (l *LocalFS) signedURL(key string) string {
	u := l.baseURL + "/blobs/" + (&url.URL{Path: key}).EscapedPath()
	return u + "?" + l.signer.Query(key, l.ttl).Encode()
}

func (l *LocalFS) abs(key string) (string, string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || strings.HasPrefix(clean, ".") {
		return "", "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), clean, nil
}
