// Package catalog persists the pipeline's durable state: partition
// manifests, quality results, watermarks, the backfill audit log, and
// warehouse load records. Records are keyed by
// (dataset, layer, partition_key, generation).
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Manifest describes one written partition. Immutable once created; a
// re-landing of the same key produces a new generation, never an edit.
type Manifest struct {
	Dataset      string        `json:"dataset"`
	Layer        tables.Layer  `json:"layer"`
	PartitionKey string        `json:"partition_key"`
	Generation   int64         `json:"generation"`

	RowCount          int64  `json:"row_count"`
	ByteSize          int64  `json:"byte_size"`
	Checksum          string `json:"checksum"`
	SchemaFingerprint string `json:"schema_fingerprint"`
	PrevChecksum      string `json:"prev_checksum,omitempty"`
	StoragePath       string `json:"storage_path"`

	// Provenance (populated for raw partitions)
	SourceSystem   string    `json:"source_system,omitempty"`
	SourceLocation string    `json:"source_location,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at,omitempty"`

	ProducerVersion string    `json:"producer_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// QualityRecord is the persisted outcome of validating one partition.
// Attached to the manifest identity, never mutated after creation.
// Violations fail the partition; warnings are tolerated deviations kept
// for observability (extra columns, absent optional columns).
type QualityRecord struct {
	Dataset      string       `json:"dataset"`
	Layer        tables.Layer `json:"layer"`
	PartitionKey string       `json:"partition_key"`
	Generation   int64        `json:"generation"`
	Passed       bool         `json:"passed"`
	Violations   []string     `json:"violations,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Watermark is the high-water mark for one (dataset, transition).
type Watermark struct {
	Dataset    string            `json:"dataset"`
	Transition tables.Transition `json:"transition"`
	Key        string            `json:"key"`
	Generation int64             `json:"generation"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// AuditEntry records an out-of-order (backfill) promotion, kept separate
// from the watermark itself.
type AuditEntry struct {
	Dataset      string            `json:"dataset"`
	Transition   tables.Transition `json:"transition"`
	PartitionKey string            `json:"partition_key"`
	Generation   int64             `json:"generation"`
	Reason       string            `json:"reason"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// LoadRecord tracks whether a gold partition was merged into the warehouse.
// Its presence with a matching checksum makes merges idempotent.
type LoadRecord struct {
	Dataset       string    `json:"dataset"`
	PartitionKey  string    `json:"partition_key"`
	Generation    int64     `json:"generation"`
	Checksum      string    `json:"checksum"`
	Merged        bool      `json:"merged"`
	WarehouseTxID string    `json:"warehouse_tx_id"`
	RowsMerged    int64     `json:"rows_merged"`
	MergedAt      time.Time `json:"merged_at"`
}

// Catalog is the storage contract for all cross-run state. Implementations
// must make PutManifest/PutLoadRecord/SetWatermark upserts so retries are
// harmless.
//
// Runs against the same dataset must hold the run lock for their full
// duration: generation allocation and watermark updates are not safe to
// interleave across processes sharing one catalog.
type Catalog interface {
	// AcquireRunLock takes the dataset's exclusive run lock, blocking until
	// it is free or the context ends. ReleaseRunLock releases it.
	AcquireRunLock(ctx context.Context, dataset string) error
	ReleaseRunLock(ctx context.Context, dataset string) error

	PutManifest(ctx context.Context, m Manifest) error
	GetManifest(ctx context.Context, dataset string, layer tables.Layer, key string, generation int64) (*Manifest, error)
	// LatestManifest returns the highest-generation manifest for a key,
	// or nil when the partition was never written.
	LatestManifest(ctx context.Context, dataset string, layer tables.Layer, key string) (*Manifest, error)
	// ListLatestManifests returns the latest generation per partition key,
	// ascending by key.
	ListLatestManifests(ctx context.Context, dataset string, layer tables.Layer) ([]Manifest, error)
	// NextGeneration allocates the next generation number for a key.
	NextGeneration(ctx context.Context, dataset string, layer tables.Layer, key string) (int64, error)

	PutQuality(ctx context.Context, rec QualityRecord) error
	// TrailingRowCounts returns row counts of the most recent partitions of
	// a layer, newest first, for the row-count sanity baseline. The excluded
	// key keeps the partition under validation out of its own baseline.
	TrailingRowCounts(ctx context.Context, dataset string, layer tables.Layer, excludeKey string, limit int) ([]int64, error)

	GetWatermark(ctx context.Context, dataset string, transition tables.Transition) (*Watermark, error)
	SetWatermark(ctx context.Context, wm Watermark) error
	AppendAudit(ctx context.Context, e AuditEntry) error

	GetLoadRecord(ctx context.Context, dataset, key string, generation int64) (*LoadRecord, error)
	PutLoadRecord(ctx context.Context, rec LoadRecord) error

	Close() error
}

// Config selects and configures the catalog backend.
type Config struct {
	Backend     string `yaml:"backend"` // "postgres" | "memory"
	PostgresDSN string `yaml:"postgres_dsn"`
}

// New creates a catalog from configuration.
func New(ctx context.Context, cfg Config) (Catalog, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres_dsn required for postgres catalog")
		}
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown catalog backend: %s", cfg.Backend)
	}
}
