package liquidity

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads merkle-rooted InventorySnapshots to a cold-storage
// bucket, the GCS counterpart to pkg/export's S3Archiver — same
// coldstore.Archiver interface, picked instead of S3 when the operator's
// object storage is GCS.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver opens a storage.Client using the process's standard
// Application Default Credentials and binds the archiver to bucket.
func NewGCSArchiver(ctx context.Context, bucket string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidity: open GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

// Archive implements coldstore.Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("liquidity: gcs write %s/%s: %w", a.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("liquidity: gcs close %s/%s: %w", a.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, key), nil
}

// Close releases the underlying GCS client's connections.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
