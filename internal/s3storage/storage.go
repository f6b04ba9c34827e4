// Package s3storage is the blob store backed by MinIO or any S3-compatible
// service.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/SlideFill/internal/config"
	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// Storage wraps MinIO/S3 interactions for templates, inputs and results.
type Storage struct {
	client        *minio.Client
	bucket        string
	region        string
	publicBaseURL string
	ttl           time.Duration
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Storage{
		client:        client,
		bucket:        cfg.S3Bucket,
		region:        cfg.S3Region,
		publicBaseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/"),
		ttl:           ttl,
	}, nil
}

// EnsureBuckets makes sure the bucket exists before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ResolveForRead checks that key exists and returns a presigned GET URL.
func (s *Storage) ResolveForRead(ctx context.Context, key string) (string, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("blob %q: %w", key, model.ErrNotFound)
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	return s.presign(ctx, key)
}

// Write uploads size bytes from r under key.
func (s *Storage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) (model.BlobRef, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return model.BlobRef{}, fmt.Errorf("upload object: %w", err)
	}
	u, err := s.objectURL(ctx, key)
	if err != nil {
		return model.BlobRef{}, err
	}
	return model.BlobRef{Key: key, URL: u}, nil
}

// Remove deletes key. S3 treats deleting a missing key as success.
func (s *Storage) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// objectURL prefers a stable public URL and falls back to a presigned one.
func (s *Storage) objectURL(ctx context.Context, key string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + strings.TrimLeft(key, "/"), nil
	}
	return s.presign(ctx, key)
}

func (s *Storage) presign(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
