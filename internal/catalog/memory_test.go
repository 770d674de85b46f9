package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

func put(t *testing.T, m *Memory, layer tables.Layer, key string, gen, rows int64) {
	t.Helper()
	err := m.PutManifest(context.Background(), Manifest{
		Dataset: "ds", Layer: layer, PartitionKey: key, Generation: gen,
		RowCount: rows, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}
}

func TestMemoryGenerations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	gen, err := m.NextGeneration(ctx, "ds", tables.LayerRaw, "2024-03-16")
	if err != nil || gen != 1 {
		t.Fatalf("first generation = %d (err %v), want 1", gen, err)
	}
	put(t, m, tables.LayerRaw, "2024-03-16", 1, 5)
	put(t, m, tables.LayerRaw, "2024-03-16", 2, 6)

	gen, _ = m.NextGeneration(ctx, "ds", tables.LayerRaw, "2024-03-16")
	if gen != 3 {
		t.Errorf("next generation = %d, want 3", gen)
	}

	latest, err := m.LatestManifest(ctx, "ds", tables.LayerRaw, "2024-03-16")
	if err != nil || latest == nil || latest.Generation != 2 {
		t.Errorf("latest = %v (err %v), want generation 2", latest, err)
	}

	if missing, _ := m.LatestManifest(ctx, "ds", tables.LayerRaw, "1999-01-01"); missing != nil {
		t.Errorf("latest for unknown key = %+v, want nil", missing)
	}
}

func TestMemoryListLatestManifests(t *testing.T) {
	m := NewMemory()
	put(t, m, tables.LayerRaw, "2024-03-16", 1, 5)
	put(t, m, tables.LayerRaw, "2024-03-16", 2, 6)
	put(t, m, tables.LayerRaw, "2024-03-14", 1, 4)
	put(t, m, tables.LayerSilver, "2024-03-14", 1, 4) // other layer

	list, err := m.ListLatestManifests(context.Background(), "ds", tables.LayerRaw)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d entries, want 2", len(list))
	}
	if list[0].PartitionKey != "2024-03-14" || list[1].PartitionKey != "2024-03-16" {
		t.Errorf("keys = %s, %s, want ascending", list[0].PartitionKey, list[1].PartitionKey)
	}
	if list[1].Generation != 2 {
		t.Errorf("generation = %d, want latest per key", list[1].Generation)
	}
}

func TestMemoryTrailingRowCounts(t *testing.T) {
	m := NewMemory()
	put(t, m, tables.LayerSilver, "2024-03-14", 1, 100)
	put(t, m, tables.LayerSilver, "2024-03-15", 1, 110)
	put(t, m, tables.LayerSilver, "2024-03-16", 1, 120)

	counts, err := m.TrailingRowCounts(context.Background(), "ds", tables.LayerSilver, "", 2)
	if err != nil {
		t.Fatalf("trailing: %v", err)
	}
	if len(counts) != 2 || counts[0] != 120 || counts[1] != 110 {
		t.Errorf("counts = %v, want newest first, limited", counts)
	}

	// The excluded key never contributes to the baseline.
	counts, err = m.TrailingRowCounts(context.Background(), "ds", tables.LayerSilver, "2024-03-16", 3)
	if err != nil {
		t.Fatalf("trailing with exclusion: %v", err)
	}
	if len(counts) != 2 || counts[0] != 110 || counts[1] != 100 {
		t.Errorf("counts = %v, want the excluded key skipped", counts)
	}
}

func TestMemoryRunLock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.AcquireRunLock(ctx, "ds"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A second acquisition blocks while the lock is held.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := m.AcquireRunLock(short, "ds"); err == nil {
		t.Fatal("second acquisition must block until release")
	}

	// Other datasets lock independently.
	if err := m.AcquireRunLock(ctx, "other"); err != nil {
		t.Fatalf("independent dataset lock: %v", err)
	}

	if err := m.ReleaseRunLock(ctx, "ds"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.AcquireRunLock(ctx, "ds"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestMemoryWatermarksAndLoads(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if wm, err := m.GetWatermark(ctx, "ds", tables.RawToSilver); err != nil || wm != nil {
		t.Fatalf("empty watermark = %v (err %v), want nil", wm, err)
	}
	err := m.SetWatermark(ctx, Watermark{
		Dataset: "ds", Transition: tables.RawToSilver, Key: "2024-03-16", Generation: 1,
	})
	if err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, _ := m.GetWatermark(ctx, "ds", tables.RawToSilver)
	if wm == nil || wm.Key != "2024-03-16" {
		t.Errorf("watermark = %+v", wm)
	}

	if rec, err := m.GetLoadRecord(ctx, "ds", "2024-03-16", 1); err != nil || rec != nil {
		t.Fatalf("empty load record = %v (err %v), want nil", rec, err)
	}
	err = m.PutLoadRecord(ctx, LoadRecord{
		Dataset: "ds", PartitionKey: "2024-03-16", Generation: 1,
		Checksum: "sha256:x", Merged: true,
	})
	if err != nil {
		t.Fatalf("put load record: %v", err)
	}
	rec, _ := m.GetLoadRecord(ctx, "ds", "2024-03-16", 1)
	if rec == nil || !rec.Merged {
		t.Errorf("load record = %+v", rec)
	}
}
