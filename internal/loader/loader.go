// Package loader merges gold partitions into the analytics warehouse with
// exactly-once semantics per (partition, generation, checksum).
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/metrics"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// MergeFailure reports a warehouse merge that did not complete. The
// transaction rolled back; the warehouse holds either none or all of the
// partition's rows, never part of them.
type MergeFailure struct {
	Dataset      string
	PartitionKey string
	Generation   int64
	Err          error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("warehouse merge failed for %s/%s gen=%d: %v",
		e.Dataset, e.PartitionKey, e.Generation, e.Err)
}

func (e *MergeFailure) Unwrap() error { return e.Err }

// Warehouse applies one partition's gold rows atomically, upserting on the
// mart key. It returns the warehouse transaction id and the row count
// applied.
type Warehouse interface {
	Merge(ctx context.Context, rows []tables.GoldBirthSummaryRow) (txID string, rowsMerged int64, err error)
	Close() error
}

// Loader coordinates idempotent merges.
type Loader struct {
	cat        catalog.Catalog
	wh         Warehouse
	maxRetries int
	backoffMs  int
	log        *slog.Logger
}

// New creates a Loader. maxRetries counts attempts after the first;
// backoffMs is the initial delay, doubled per attempt.
func New(cat catalog.Catalog, wh Warehouse, maxRetries, backoffMs int) *Loader {
	if backoffMs <= 0 {
		backoffMs = 250
	}
	return &Loader{
		cat:        cat,
		wh:         wh,
		maxRetries: maxRetries,
		backoffMs:  backoffMs,
		log:        slog.With("component", "loader"),
	}
}

// Merge applies one gold partition to the warehouse.
//
// A load record with a matching checksum short-circuits: the partition is
// already in the warehouse and nothing is written. Transient failures retry
// with exponential backoff; exhaustion returns a *MergeFailure and no load
// record, so the next run retries the partition.
func (l *Loader) Merge(ctx context.Context, m *catalog.Manifest, rows []tables.GoldBirthSummaryRow) (*catalog.LoadRecord, error) {
	prior, err := l.cat.GetLoadRecord(ctx, m.Dataset, m.PartitionKey, m.Generation)
	if err != nil {
		return nil, fmt.Errorf("check load record: %w", err)
	}
	if prior != nil && prior.Merged && prior.Checksum == m.Checksum {
		l.log.Info("gold partition already merged",
			"dataset", m.Dataset, "partition_key", m.PartitionKey, "generation", m.Generation)
		return prior, nil
	}

	var txID string
	var merged int64
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.MergeRetries.WithLabelValues(m.Dataset).Inc()
			backoff := time.Duration(l.backoffMs*(1<<(attempt-1))) * time.Millisecond
			l.log.Warn("retrying warehouse merge",
				"dataset", m.Dataset,
				"partition_key", m.PartitionKey,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		txID, merged, lastErr = l.wh.Merge(ctx, rows)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, &MergeFailure{
			Dataset:      m.Dataset,
			PartitionKey: m.PartitionKey,
			Generation:   m.Generation,
			Err:          lastErr,
		}
	}

	rec := catalog.LoadRecord{
		Dataset:       m.Dataset,
		PartitionKey:  m.PartitionKey,
		Generation:    m.Generation,
		Checksum:      m.Checksum,
		Merged:        true,
		WarehouseTxID: txID,
		RowsMerged:    merged,
		MergedAt:      time.Now().UTC(),
	}
	if err := l.cat.PutLoadRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record warehouse load: %w", err)
	}

	l.log.Info("merged gold partition into warehouse",
		"dataset", m.Dataset,
		"partition_key", m.PartitionKey,
		"generation", m.Generation,
		"rows", merged,
		"warehouse_tx", txID,
	)
	return &rec, nil
}
