package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/logging"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/tables"
	"github.com/milagros-data/natal-pipeline/internal/transform"
	"github.com/milagros-data/natal-pipeline/internal/watermark"
)

// promoteRawToSilver conforms one raw partition into a silver partition.
// The silver partition reuses the raw generation number, so re-promoting
// the same raw generation overwrites the same silver partition and the
// catalog shows exactly which source generation each silver partition came
// from.
func (e *Engine) promoteRawToSilver(ctx context.Context, p watermark.Pending) (int64, error) {
	key := p.PartitionKey

	rawManifest, err := e.cat.GetManifest(ctx, e.dataset, tables.LayerRaw, key, p.Generation)
	if err != nil {
		return 0, err
	}
	if rawManifest == nil {
		return 0, fmt.Errorf("raw manifest missing for %s/%s gen=%d", e.dataset, key, p.Generation)
	}

	frame, err := e.lander.ReadRaw(ctx, e.dataset, key, p.Generation)
	if err != nil {
		return 0, err
	}
	normalized := transform.NormalizeColumns(frame)

	rawContract, err := e.reg.GetContract(e.dataset, tables.LayerRaw, 0)
	if err != nil {
		return 0, err
	}
	if _, err := e.gate.Validate(ctx, normalized, rawContract, key, p.Generation); err != nil {
		return 0, err
	}

	silverContract, err := e.reg.GetContract(e.dataset, tables.LayerSilver, 0)
	if err != nil {
		return 0, err
	}

	// IngestedAt is pinned to the raw manifest so re-promotion of the same
	// generation produces identical silver rows.
	rows, stats, err := transform.ToSilver(normalized, silverContract, key, p.Generation, rawManifest.SourceSystem, rawManifest.CreatedAt)
	if err != nil {
		return 0, err
	}

	if _, err := e.gate.Validate(ctx, tables.SilverFrame(rows), silverContract, key, p.Generation); err != nil {
		return 0, err
	}

	out, err := tables.EncodeSilver(rows, e.parquet)
	if err != nil {
		return 0, err
	}
	if err := e.writePartition(ctx, tables.LayerSilver, key, p.Generation, out, silverContract.Fingerprint(), rawManifest.Checksum); err != nil {
		return 0, err
	}

	plog := logging.PartitionLogger(logging.CorrelationID(ctx), e.dataset, string(tables.LayerSilver), key, p.Generation)
	plog.Info("conformed raw partition",
		"rows_in", stats.RowsIn,
		"rows_out", stats.RowsOut,
		"rows_dropped", stats.RowsDropped,
		"rows_deduped", stats.RowsDeduped,
	)
	return out.RowCount, nil
}

// promoteSilverToGold aggregates one silver partition into the gold mart
// partition for the same key and generation.
func (e *Engine) promoteSilverToGold(ctx context.Context, p watermark.Pending) (int64, error) {
	key := p.PartitionKey

	silverManifest, err := e.cat.GetManifest(ctx, e.dataset, tables.LayerSilver, key, p.Generation)
	if err != nil {
		return 0, err
	}
	if silverManifest == nil {
		return 0, fmt.Errorf("silver manifest missing for %s/%s gen=%d", e.dataset, key, p.Generation)
	}

	data, err := e.store.ReadPayload(ctx, storage.PartitionRef{
		Dataset: e.dataset, Layer: tables.LayerSilver, PartitionKey: key, Generation: p.Generation,
	})
	if err != nil {
		return 0, err
	}
	rows, err := tables.DecodeSilver(data)
	if err != nil {
		return 0, err
	}

	goldRows := transform.ToGold(rows, p.Generation, silverManifest.CreatedAt)

	goldContract, err := e.reg.GetContract(e.dataset, tables.LayerGold, 0)
	if err != nil {
		return 0, err
	}

	out, err := tables.EncodeGold(goldRows, e.parquet)
	if err != nil {
		return 0, err
	}
	if err := e.writePartition(ctx, tables.LayerGold, key, p.Generation, out, goldContract.Fingerprint(), silverManifest.Checksum); err != nil {
		return 0, err
	}
	return out.RowCount, nil
}

// mergeGold loads one gold partition into the warehouse.
func (e *Engine) mergeGold(ctx context.Context, p watermark.Pending) (int64, error) {
	key := p.PartitionKey

	goldManifest, err := e.cat.GetManifest(ctx, e.dataset, tables.LayerGold, key, p.Generation)
	if err != nil {
		return 0, err
	}
	if goldManifest == nil {
		return 0, fmt.Errorf("gold manifest missing for %s/%s gen=%d", e.dataset, key, p.Generation)
	}

	data, err := e.store.ReadPayload(ctx, storage.PartitionRef{
		Dataset: e.dataset, Layer: tables.LayerGold, PartitionKey: key, Generation: p.Generation,
	})
	if err != nil {
		return 0, err
	}
	rows, err := tables.DecodeGold(data)
	if err != nil {
		return 0, err
	}

	rec, err := e.loader.Merge(ctx, goldManifest, rows)
	if err != nil {
		return 0, err
	}
	return rec.RowsMerged, nil
}

// writePartition writes a conformed layer partition: payload first, then
// the manifest as the completion marker, then the catalog record.
func (e *Engine) writePartition(ctx context.Context, layer tables.Layer, key string, generation int64, out *tables.ParquetOutput, fingerprint, prevChecksum string) error {
	ref := storage.PartitionRef{
		Dataset:      e.dataset,
		Layer:        layer,
		PartitionKey: key,
		Generation:   generation,
	}
	if err := e.store.WritePayload(ctx, ref, out.Data); err != nil {
		return fmt.Errorf("write %s payload: %w", layer, err)
	}

	m := &catalog.Manifest{
		Dataset:           e.dataset,
		Layer:             layer,
		PartitionKey:      key,
		Generation:        generation,
		RowCount:          out.RowCount,
		ByteSize:          int64(len(out.Data)),
		Checksum:          out.Checksum,
		SchemaFingerprint: fingerprint,
		PrevChecksum:      prevChecksum,
		StoragePath:       ref.Path(""),
		ProducerVersion:   Version,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.WriteManifest(ctx, ref, m); err != nil {
		return fmt.Errorf("write %s manifest: %w", layer, err)
	}
	if err := e.cat.PutManifest(ctx, *m); err != nil {
		return fmt.Errorf("record %s manifest: %w", layer, err)
	}
	return nil
}
