// Package watermark tracks, per dataset and layer transition, the highest
// partition key already promoted, and derives the pending work for a run.
// The watermark is an optimization only; pending work is always recomputed
// from the catalog, so a stale or lost watermark costs time, not data.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Pending is one partition awaiting promotion across a transition.
type Pending struct {
	PartitionKey string
	Generation   int64 // source-layer generation to promote
	Backfill     bool  // at or behind the watermark; audited, does not advance it
}

// Tracker reads and advances watermarks.
type Tracker struct {
	cat catalog.Catalog
	mu  sync.Mutex
	log *slog.Logger
}

// New creates a Tracker.
func New(cat catalog.Catalog) *Tracker {
	return &Tracker{cat: cat, log: slog.With("component", "watermark")}
}

// Current returns the watermark for a transition, or nil if never advanced.
func (t *Tracker) Current(ctx context.Context, dataset string, tr tables.Transition) (*catalog.Watermark, error) {
	return t.cat.GetWatermark(ctx, dataset, tr)
}

// Pending lists the partitions that need promoting across a transition,
// ascending by key.
//
// A key strictly above the watermark is normal forward work. A key at or
// behind it is included only when its source has a newer generation than the
// target ever consumed; those are backfills. Promotion writes target
// generation N for source generation N, so a lagging target generation means
// unconsumed source work, including partitions that failed on earlier runs.
func (t *Tracker) Pending(ctx context.Context, dataset string, tr tables.Transition) ([]Pending, error) {
	wm, err := t.cat.GetWatermark(ctx, dataset, tr)
	if err != nil {
		return nil, fmt.Errorf("load watermark %s/%s: %w", dataset, tr, err)
	}
	high := ""
	if wm != nil {
		high = wm.Key
	}

	sources, err := t.cat.ListLatestManifests(ctx, dataset, tr.Source())
	if err != nil {
		return nil, fmt.Errorf("list %s manifests: %w", tr.Source(), err)
	}

	var out []Pending
	for _, src := range sources {
		if src.PartitionKey > high {
			out = append(out, Pending{PartitionKey: src.PartitionKey, Generation: src.Generation})
			continue
		}
		stale, err := t.targetBehind(ctx, dataset, tr, src)
		if err != nil {
			return nil, err
		}
		if stale {
			out = append(out, Pending{PartitionKey: src.PartitionKey, Generation: src.Generation, Backfill: true})
		}
	}
	return out, nil
}

// targetBehind reports whether the transition's target has not yet consumed
// the given source manifest.
func (t *Tracker) targetBehind(ctx context.Context, dataset string, tr tables.Transition, src catalog.Manifest) (bool, error) {
	if tr == tables.GoldToWarehouse {
		rec, err := t.cat.GetLoadRecord(ctx, dataset, src.PartitionKey, src.Generation)
		if err != nil {
			return false, fmt.Errorf("load record %s/%s: %w", dataset, src.PartitionKey, err)
		}
		return rec == nil || !rec.Merged || rec.Checksum != src.Checksum, nil
	}

	tgt, err := t.cat.LatestManifest(ctx, dataset, tr.Target(), src.PartitionKey)
	if err != nil {
		return false, fmt.Errorf("latest %s manifest %s/%s: %w", tr.Target(), dataset, src.PartitionKey, err)
	}
	return tgt == nil || tgt.Generation < src.Generation, nil
}

// Advance records a completed promotion. In-order promotions move the
// watermark forward, never backward; out-of-order ones leave it untouched
// and land in the backfill audit log instead.
func (t *Tracker) Advance(ctx context.Context, dataset string, tr tables.Transition, key string, generation int64, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	wm, err := t.cat.GetWatermark(ctx, dataset, tr)
	if err != nil {
		return fmt.Errorf("load watermark %s/%s: %w", dataset, tr, err)
	}

	now := time.Now().UTC()
	if wm == nil || key > wm.Key {
		next := catalog.Watermark{
			Dataset:    dataset,
			Transition: tr,
			Key:        key,
			Generation: generation,
			UpdatedAt:  now,
		}
		if err := t.cat.SetWatermark(ctx, next); err != nil {
			return fmt.Errorf("advance watermark %s/%s: %w", dataset, tr, err)
		}
		t.log.Info("watermark advanced",
			"dataset", dataset, "transition", tr, "key", key, "generation", generation)
		return nil
	}

	if key == wm.Key && generation > wm.Generation {
		wm.Generation = generation
		wm.UpdatedAt = now
		if err := t.cat.SetWatermark(ctx, *wm); err != nil {
			return fmt.Errorf("advance watermark %s/%s: %w", dataset, tr, err)
		}
		return nil
	}

	// Behind the watermark: a backfill. Audited, never advances.
	entry := catalog.AuditEntry{
		Dataset:      dataset,
		Transition:   tr,
		PartitionKey: key,
		Generation:   generation,
		Reason:       reason,
		RecordedAt:   now,
	}
	if err := t.cat.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append backfill audit %s/%s: %w", dataset, tr, err)
	}
	t.log.Info("backfill promotion audited",
		"dataset", dataset, "transition", tr, "key", key, "generation", generation, "reason", reason)
	return nil
}
