package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// fakeWarehouse records merge calls and can fail the first N of them.
type fakeWarehouse struct {
	mu       sync.Mutex
	calls    int
	failures int
	applied  map[string]tables.GoldBirthSummaryRow
}

func newFakeWarehouse(failures int) *fakeWarehouse {
	return &fakeWarehouse{failures: failures, applied: make(map[string]tables.GoldBirthSummaryRow)}
}

func (w *fakeWarehouse) Merge(_ context.Context, rows []tables.GoldBirthSummaryRow) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return "", 0, fmt.Errorf("connection reset")
	}
	for _, r := range rows {
		w.applied[r.IngestDate+"/"+r.Municipio+"/"+fmt.Sprint(r.Ano)] = r
	}
	return fmt.Sprintf("tx-%d", w.calls), int64(len(rows)), nil
}

func (w *fakeWarehouse) Close() error { return nil }

func goldManifest(gen int64, checksum string) *catalog.Manifest {
	return &catalog.Manifest{
		Dataset: "nacimientos", Layer: tables.LayerGold,
		PartitionKey: "2024-03-16", Generation: gen,
		Checksum: checksum, RowCount: 2, CreatedAt: time.Now().UTC(),
	}
}

var goldRows = []tables.GoldBirthSummaryRow{
	{IngestDate: "2024-03-16", Municipio: "medellin", Ano: 2024, Births: 3},
	{IngestDate: "2024-03-16", Municipio: "bello", Ano: 2024, Births: 1},
}

func TestMergeExactlyOnce(t *testing.T) {
	cat := catalog.NewMemory()
	wh := newFakeWarehouse(0)
	l := New(cat, wh, 3, 1)
	ctx := context.Background()
	m := goldManifest(1, "sha256:abc")

	rec, err := l.Merge(ctx, m, goldRows)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !rec.Merged || rec.RowsMerged != 2 || rec.WarehouseTxID == "" {
		t.Errorf("record = %+v, want merged with tx id", rec)
	}
	if wh.calls != 1 {
		t.Fatalf("warehouse calls = %d, want 1", wh.calls)
	}

	// Same partition, same checksum: nothing touches the warehouse.
	again, err := l.Merge(ctx, m, goldRows)
	if err != nil {
		t.Fatalf("re-merge: %v", err)
	}
	if wh.calls != 1 {
		t.Errorf("warehouse calls = %d after re-merge, want 1", wh.calls)
	}
	if again.WarehouseTxID != rec.WarehouseTxID {
		t.Errorf("re-merge must return the original load record")
	}
}

func TestMergeNewGenerationMergesAgain(t *testing.T) {
	cat := catalog.NewMemory()
	wh := newFakeWarehouse(0)
	l := New(cat, wh, 0, 1)
	ctx := context.Background()

	if _, err := l.Merge(ctx, goldManifest(1, "sha256:abc"), goldRows); err != nil {
		t.Fatalf("merge gen 1: %v", err)
	}
	if _, err := l.Merge(ctx, goldManifest(2, "sha256:def"), goldRows); err != nil {
		t.Fatalf("merge gen 2: %v", err)
	}
	if wh.calls != 2 {
		t.Errorf("warehouse calls = %d, want 2 for a superseding generation", wh.calls)
	}
}

func TestMergeRetriesTransientFailure(t *testing.T) {
	cat := catalog.NewMemory()
	wh := newFakeWarehouse(2)
	l := New(cat, wh, 3, 1)

	rec, err := l.Merge(context.Background(), goldManifest(1, "sha256:abc"), goldRows)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if wh.calls != 3 {
		t.Errorf("warehouse calls = %d, want 3 (two failures, one success)", wh.calls)
	}
	if !rec.Merged {
		t.Error("record must be merged after retries")
	}
}

func TestMergeExhaustionLeavesPartitionRetryable(t *testing.T) {
	cat := catalog.NewMemory()
	wh := newFakeWarehouse(10)
	l := New(cat, wh, 1, 1)
	ctx := context.Background()
	m := goldManifest(1, "sha256:abc")

	_, err := l.Merge(ctx, m, goldRows)
	var mf *MergeFailure
	if !errors.As(err, &mf) {
		t.Fatalf("err = %v, want *MergeFailure", err)
	}
	if mf.PartitionKey != "2024-03-16" {
		t.Errorf("failure key = %q", mf.PartitionKey)
	}

	// No load record means the next run retries it.
	rec, err := cat.GetLoadRecord(ctx, "nacimientos", "2024-03-16", 1)
	if err != nil {
		t.Fatalf("get load record: %v", err)
	}
	if rec != nil {
		t.Fatalf("load record = %+v, want none after exhaustion", rec)
	}

	// The outage clears; the same merge now lands.
	wh.mu.Lock()
	wh.failures = 0
	wh.calls = 0
	wh.mu.Unlock()
	if _, err := l.Merge(ctx, m, goldRows); err != nil {
		t.Fatalf("merge after recovery: %v", err)
	}
}

func TestMergeHonorsCancellation(t *testing.T) {
	cat := catalog.NewMemory()
	wh := newFakeWarehouse(10)
	l := New(cat, wh, 5, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Merge(ctx, goldManifest(1, "sha256:abc"), goldRows)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
