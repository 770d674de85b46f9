package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver (also B2, R2, MinIO)

	"github.com/milagros-data/natal-pipeline/internal/catalog"
)

// BlobStore writes partitions to an object store through gocloud.dev.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// NewBlobStore opens a bucket from a URL like "s3://bucket?region=..." or
// "gs://bucket".
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &BlobStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
	}, nil
}

func (s *BlobStore) write(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// WritePayload writes the partition payload to the bucket.
func (s *BlobStore) WritePayload(ctx context.Context, ref PartitionRef, data []byte) error {
	return s.write(ctx, ref.Path(s.prefix), data)
}

// ReadPayload reads the partition payload back from the bucket.
func (s *BlobStore) ReadPayload(ctx context.Context, ref PartitionRef) ([]byte, error) {
	key := ref.Path(s.prefix)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open reader for %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteManifest writes the manifest sidecar, completing the partition.
func (s *BlobStore) WriteManifest(ctx context.Context, ref PartitionRef, manifest *catalog.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.write(ctx, ref.ManifestPath(s.prefix), data)
}

// Exists reports whether a completed partition (manifest present) exists.
func (s *BlobStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.ManifestPath(s.prefix))
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	base := s.bucketURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}

// Close releases the bucket handle.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
