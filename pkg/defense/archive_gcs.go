//go:build gcp

package defense

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/altum-labs/probanza/pkg/canonicalize"
)

// GCSArchive implements Archive using Google Cloud Storage.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a GCS-backed defense archive. Credentials come
// from Application Default Credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("defense: create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Put(ctx context.Context, projectID, chainHead string, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	obj := a.client.Bucket(a.bucket).Object(a.prefix + archiveKey(projectID, chainHead))

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("defense: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("defense: gcs close failed: %w", err)
	}
	return hash, nil
}

func (a *GCSArchive) Get(ctx context.Context, projectID, chainHead string) ([]byte, error) {
	obj := a.client.Bucket(a.bucket).Object(a.prefix + archiveKey(projectID, chainHead))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("defense: archive for %s@%s not found", projectID, chainHead)
		}
		return nil, fmt.Errorf("defense: gcs read failed: %w", err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (a *GCSArchive) Exists(ctx context.Context, projectID, chainHead string) (bool, error) {
	obj := a.client.Bucket(a.bucket).Object(a.prefix + archiveKey(projectID, chainHead))
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
