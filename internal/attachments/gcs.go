package attachments

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// GCSBlobStore stores attachment bytes in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// NewGCSBlobStore opens a client using Application Default Credentials.
func NewGCSBlobStore(ctx context.Context, bucket string) (*GCSBlobStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("attachments: bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("attachments: create storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}

// Write uploads content and returns its gs:// location.
func (g *GCSBlobStore) Write(ctx context.Context, name, contentType string, content []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return "gs://" + g.bucket + "/" + name, nil
}

// Read downloads the object behind a gs:// location.
func (g *GCSBlobStore) Read(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

// ParseLocation splits a gs://bucket/object URI.
func ParseLocation(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("attachments: invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("attachments: invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
