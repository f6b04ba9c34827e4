// Package transfer moves blobs between the blob store and a local workspace.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// BlobStore is the object storage the pipeline reads from and writes to.
type BlobStore interface {
	// ResolveForRead returns a URL the bytes of key can be downloaded from.
	// It returns an error wrapping model.ErrNotFound for unknown keys.
	ResolveForRead(ctx context.Context, key string) (string, error)
	// Write stores size bytes from r under key.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) (model.BlobRef, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// TransferError reports a failed fetch or store.
type TransferError struct {
	Op  string // "fetch" or "store"
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s blob %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transfer downloads blobs over HTTP and uploads files to the blob store.
type Transfer struct {
	blobs       BlobStore
	client      *http.Client
	logger      *slog.Logger
	concurrency int
}

// New builds a Transfer. A nil client gets a client with a generous overall
// timeout since templates can be tens of megabytes.
func New(blobs BlobStore, client *http.Client, logger *slog.Logger) *Transfer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{blobs: blobs, client: client, logger: logger, concurrency: 4}
}

// Fetch downloads key into destPath.
func (t *Transfer) Fetch(ctx context.Context, key, destPath string) error {
	if err := t.fetch(ctx, key, destPath); err != nil {
		_ = os.Remove(destPath)
		return &TransferError{Op: "fetch", Key: key, Err: err}
	}
	return nil
}

func (t *Transfer) fetch(ctx context.Context, key, destPath string) error {
	if key == "" {
		return errors.New("empty key")
	}
	blobURL, err := t.blobs.ResolveForRead(ctx, key)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("download: %w (status %d)", model.ErrNotFound, resp.StatusCode)
		}
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	written, copyErr := io.Copy(dst, resp.Body)
	closeErr := dst.Close()
	if copyErr != nil {
		return fmt.Errorf("download body: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close local file: %w", closeErr)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("download truncated: got %d of %d bytes", written, resp.ContentLength)
	}
	return nil
}

// FetchAll downloads every placeholder's blob into dir concurrently and
// returns the placeholder to local path map. Files are named by a stable
// index (sorted placeholder order) plus the key's extension.
func (t *Transfer) FetchAll(ctx context.Context, dir string, keys map[string]string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(keys))
	for p := range keys {
		placeholders = append(placeholders, p)
	}
	sort.Strings(placeholders)

	local := make(map[string]string, len(keys))
	for i, p := range placeholders {
		ext := path.Ext(keys[p])
		if ext == "" {
			ext = ".jpg"
		}
		local[p] = filepath.Join(dir, fmt.Sprintf("image_%d%s", i, ext))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, p := range placeholders {
		key, dest := keys[p], local[p]
		g.Go(func() error {
			return t.Fetch(gctx, key, dest)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

// Store uploads localPath under a fresh key below keyPrefix. If the upload
// fails the key is removed again so no half-written object is left behind.
func (t *Transfer) Store(ctx context.Context, localPath, keyPrefix, contentType string) (model.BlobRef, error) {
	key := NewKey(keyPrefix, filepath.Ext(localPath))
	ref, err := t.store(ctx, localPath, key, contentType)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := t.blobs.Remove(cleanupCtx, key); rmErr != nil {
			t.logger.Warn("remove partial upload failed", "key", key, "error", rmErr)
		}
		return model.BlobRef{}, &TransferError{Op: "store", Key: key, Err: err}
	}
	return ref, nil
}

func (t *Transfer) store(ctx context.Context, localPath, key, contentType string) (model.BlobRef, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("stat local file: %w", err)
	}
	ref, err := t.blobs.Write(ctx, key, f, stat.Size(), contentType)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("upload: %w", err)
	}
	return ref, nil
}

// NewKey returns "<prefix>/<uuid><ext>".
func NewKey(prefix, ext string) string {
	prefix = strings.Trim(prefix, "/")
	name := uuid.NewString() + strings.ToLower(ext)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
