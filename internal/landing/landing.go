// Package landing captures source extracts verbatim as immutable raw
// partitions with provenance metadata.
package landing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/source"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

var (
	// ErrDuplicateIngestion signals an exact replay: the same payload was
	// already landed at this key. Benign; callers receive the existing
	// manifest alongside it.
	ErrDuplicateIngestion = errors.New("duplicate ingestion")

	// ErrConflictingIngestion signals a different payload at an already
	// landed key. Never resolved silently; the caller must decide.
	ErrConflictingIngestion = errors.New("conflicting ingestion")
)

// Options control conflict handling for a single landing.
type Options struct {
	// AllowOverride lands a conflicting payload as a new generation
	// (explicit backfill decision by the operator).
	AllowOverride bool
}

// Lander writes raw partitions.
type Lander struct {
	cat     catalog.Catalog
	store   storage.LayerStore
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	version string
	log     *slog.Logger
}

// New creates a Lander.
func New(cat catalog.Catalog, store storage.LayerStore, producerVersion string) (*Lander, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Lander{
		cat:     cat,
		store:   store,
		enc:     enc,
		dec:     dec,
		version: producerVersion,
		log:     slog.With("component", "landing"),
	}, nil
}

// Land writes one extract as an immutable raw partition.
//
// The checksum is computed over the canonical CSV encoding of the verbatim
// extract, before compression, so replays are recognized regardless of
// compression settings. An exact replay returns the existing manifest with
// ErrDuplicateIngestion; a different payload at the same key returns
// ErrConflictingIngestion unless opts.AllowOverride lands a new generation.
func (l *Lander) Land(ctx context.Context, extract *source.Extract, opts Options) (*catalog.Manifest, error) {
	dataset, key := extract.Dataset, extract.PartitionKey
	if err := tables.ValidateKey(key); err != nil {
		return nil, err
	}

	payload, err := extract.Frame.EncodeCSV()
	if err != nil {
		return nil, fmt.Errorf("encode extract: %w", err)
	}
	checksum := tables.ComputeChecksum(payload)

	existing, err := l.cat.LatestManifest(ctx, dataset, tables.LayerRaw, key)
	if err != nil {
		return nil, fmt.Errorf("check existing raw partition: %w", err)
	}

	prevChecksum := ""
	if existing != nil {
		if existing.Checksum == checksum {
			l.log.Info("raw partition already landed",
				"dataset", dataset, "partition_key", key, "generation", existing.Generation)
			return existing, ErrDuplicateIngestion
		}
		if !opts.AllowOverride {
			return nil, fmt.Errorf("%s/%s: checksum %s conflicts with landed %s: %w",
				dataset, key, checksum, existing.Checksum, ErrConflictingIngestion)
		}
		prevChecksum = existing.Checksum
	}

	generation, err := l.cat.NextGeneration(ctx, dataset, tables.LayerRaw, key)
	if err != nil {
		return nil, fmt.Errorf("allocate generation: %w", err)
	}

	ref := storage.PartitionRef{
		Dataset:      dataset,
		Layer:        tables.LayerRaw,
		PartitionKey: key,
		Generation:   generation,
	}

	compressed := l.enc.EncodeAll(payload, nil)
	if err := l.store.WritePayload(ctx, ref, compressed); err != nil {
		return nil, fmt.Errorf("write raw payload: %w", err)
	}

	manifest := &catalog.Manifest{
		Dataset:         dataset,
		Layer:           tables.LayerRaw,
		PartitionKey:    key,
		Generation:      generation,
		RowCount:        extract.Frame.RowCount(),
		ByteSize:        int64(len(compressed)),
		Checksum:        checksum,
		PrevChecksum:    prevChecksum,
		StoragePath:     ref.Path(""),
		SourceSystem:    extract.Meta.SourceSystem,
		SourceLocation:  extract.Meta.SourceLocation,
		ExtractedAt:     extract.Meta.ExtractedAt,
		ProducerVersion: l.version,
		CreatedAt:       time.Now().UTC(),
	}

	// Manifest last: it is the completion marker.
	if err := l.store.WriteManifest(ctx, ref, manifest); err != nil {
		return nil, fmt.Errorf("write raw manifest: %w", err)
	}
	if err := l.cat.PutManifest(ctx, *manifest); err != nil {
		return nil, fmt.Errorf("record raw manifest: %w", err)
	}

	l.log.Info("landed raw partition",
		"dataset", dataset,
		"partition_key", key,
		"generation", generation,
		"rows", manifest.RowCount,
		"bytes", manifest.ByteSize,
		"checksum", checksum,
	)
	return manifest, nil
}

// ReadRaw reads a landed raw partition back into its verbatim frame.
func (l *Lander) ReadRaw(ctx context.Context, dataset, key string, generation int64) (*tables.Frame, error) {
	ref := storage.PartitionRef{
		Dataset:      dataset,
		Layer:        tables.LayerRaw,
		PartitionKey: key,
		Generation:   generation,
	}

	compressed, err := l.store.ReadPayload(ctx, ref)
	if err != nil {
		return nil, err
	}

	payload, err := l.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress raw payload: %w", err)
	}
	return tables.DecodeCSV(payload)
}
