// Package source fetches raw tabular extracts from the upstream registry
// feed, along with their extraction provenance.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// ErrExtractNotFound is returned when no extract exists for a partition key.
var ErrExtractNotFound = errors.New("extract not found")

// Meta carries extraction provenance, recorded on the raw manifest.
type Meta struct {
	SourceSystem   string
	SourceLocation string
	ExtractedAt    time.Time
}

// Extract is one raw tabular extract for a (dataset, partition key).
type Extract struct {
	Dataset      string
	PartitionKey string
	Frame        *tables.Frame
	Meta         Meta
}

// Provider fetches extracts from the upstream source.
type Provider interface {
	// Keys lists the partition keys available at the source for a dataset,
	// ascending.
	Keys(ctx context.Context, dataset string) ([]string, error)

	// Fetch retrieves the extract for one partition key.
	Fetch(ctx context.Context, dataset, partitionKey string) (*Extract, error)

	Close() error
}

// Config configures the extract provider.
type Config struct {
	Mode string `yaml:"mode"` // "local" | "blob"

	// Local filesystem: <local_dir>/<dataset>/ingest_date=<key>/<file>.csv
	LocalDir string `yaml:"local_dir"`

	// Blob bucket URL, same layout under the prefix.
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`

	// SourceSystem names the upstream system in provenance metadata.
	SourceSystem string `yaml:"source_system"`
}

// New constructs an extract provider based on the configured mode.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local source")
		}
		return NewLocalProvider(cfg.LocalDir, cfg.SourceSystem)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("bucket_url required for blob source")
		}
		return NewBlobProvider(ctx, cfg.BucketURL, cfg.Prefix, cfg.SourceSystem)
	default:
		return nil, fmt.Errorf("unknown source mode: %s", cfg.Mode)
	}
}
