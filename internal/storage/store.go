// Package storage abstracts where layer partitions physically live.
package storage

import (
	"context"
	"fmt"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// PartitionRef describes a partition location within a layer store.
type PartitionRef struct {
	Dataset      string
	Layer        tables.Layer
	PartitionKey string // ingest date, YYYY-MM-DD
	Generation   int64
}

// filename returns the payload file name for this partition.
// Raw partitions are zstd-compressed canonical CSV; conformed layers are
// parquet.
func (r PartitionRef) filename() string {
	if r.Layer == tables.LayerRaw {
		return "part.csv.zst"
	}
	return "part.parquet"
}

// Path returns the storage path for this partition's payload.
func (r PartitionRef) Path(prefix string) string {
	return fmt.Sprintf("%s%s/%s/ingest_date=%s/gen=%d/%s",
		prefix, r.Dataset, r.Layer, r.PartitionKey, r.Generation, r.filename())
}

// ManifestPath returns the storage path for this partition's manifest.
func (r PartitionRef) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s/ingest_date=%s/gen=%d/_manifest.json",
		prefix, r.Dataset, r.Layer, r.PartitionKey, r.Generation)
}

// DirPath returns the directory path for this partition.
func (r PartitionRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s/ingest_date=%s/gen=%d",
		prefix, r.Dataset, r.Layer, r.PartitionKey, r.Generation)
}

// LayerStore reads and writes partition payloads and their manifests.
//
// The manifest is always written last; a partition directory without a
// manifest is treated as absent by readers (write-in-progress or aborted).
type LayerStore interface {
	// WritePayload writes the partition payload.
	WritePayload(ctx context.Context, ref PartitionRef, data []byte) error

	// ReadPayload reads the partition payload back.
	ReadPayload(ctx context.Context, ref PartitionRef) ([]byte, error)

	// WriteManifest writes the manifest sidecar, completing the partition.
	WriteManifest(ctx context.Context, ref PartitionRef, manifest *catalog.Manifest) error

	// Exists checks whether a completed partition (manifest present) exists.
	Exists(ctx context.Context, ref PartitionRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "blob"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// Blob storage bucket URL, e.g. "s3://bucket?region=us-east-1" or
	// "gs://bucket".
	BucketURL string `yaml:"bucket_url"`

	// Prefix within the bucket or local dir, e.g. "medallion/".
	Prefix string `yaml:"prefix"`
}

// New creates a layer store based on configuration.
func New(ctx context.Context, cfg Config) (LayerStore, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("bucket_url required for blob backend")
		}
		return NewBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
