package landing

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/source"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

func testExtract(rows [][]string) *source.Extract {
	return &source.Extract{
		Dataset:      "nacimientos",
		PartitionKey: "2024-03-16",
		Frame: &tables.Frame{
			Columns: []string{"numero_certificado", "ano"},
			Rows:    rows,
		},
		Meta: source.Meta{
			SourceSystem:   "registro_civil",
			SourceLocation: "extracts/2024-03-16.csv",
			ExtractedAt:    time.Date(2024, 3, 16, 6, 0, 0, 0, time.UTC),
		},
	}
}

func newLander(t *testing.T) (*Lander, *catalog.Memory, storage.LayerStore) {
	t.Helper()
	cat := catalog.NewMemory()
	store, err := storage.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	l, err := New(cat, store, "test")
	if err != nil {
		t.Fatalf("new lander: %v", err)
	}
	return l, cat, store
}

func TestLandFirstDelivery(t *testing.T) {
	l, _, store := newLander(t)
	ctx := context.Background()
	extract := testExtract([][]string{{"C-1", "2024"}})

	m, err := l.Land(ctx, extract, Options{})
	if err != nil {
		t.Fatalf("land: %v", err)
	}
	if m.Generation != 1 {
		t.Errorf("generation = %d, want 1", m.Generation)
	}
	if m.RowCount != 1 {
		t.Errorf("row count = %d, want 1", m.RowCount)
	}
	if !strings.HasPrefix(m.Checksum, "sha256:") {
		t.Errorf("checksum = %q, want sha256 prefix", m.Checksum)
	}
	if m.SourceSystem != "registro_civil" || m.SourceLocation == "" {
		t.Errorf("provenance missing: %+v", m)
	}

	ok, err := store.Exists(ctx, storage.PartitionRef{
		Dataset: "nacimientos", Layer: tables.LayerRaw, PartitionKey: "2024-03-16", Generation: 1,
	})
	if err != nil || !ok {
		t.Errorf("completed partition missing from store: ok=%t err=%v", ok, err)
	}
}

func TestLandDuplicateDelivery(t *testing.T) {
	l, _, _ := newLander(t)
	ctx := context.Background()

	first, err := l.Land(ctx, testExtract([][]string{{"C-1", "2024"}}), Options{})
	if err != nil {
		t.Fatalf("first land: %v", err)
	}

	again, err := l.Land(ctx, testExtract([][]string{{"C-1", "2024"}}), Options{})
	if !errors.Is(err, ErrDuplicateIngestion) {
		t.Fatalf("err = %v, want ErrDuplicateIngestion", err)
	}
	if again.Generation != first.Generation || again.Checksum != first.Checksum {
		t.Errorf("duplicate must return the existing manifest, got %+v", again)
	}
}

func TestLandConflictingDelivery(t *testing.T) {
	l, _, _ := newLander(t)
	ctx := context.Background()

	first, err := l.Land(ctx, testExtract([][]string{{"C-1", "2024"}}), Options{})
	if err != nil {
		t.Fatalf("first land: %v", err)
	}

	conflicting := testExtract([][]string{{"C-1", "2024"}, {"C-2", "2024"}})
	if _, err := l.Land(ctx, conflicting, Options{}); !errors.Is(err, ErrConflictingIngestion) {
		t.Fatalf("err = %v, want ErrConflictingIngestion", err)
	}

	// The operator's explicit override lands a new generation with lineage.
	m, err := l.Land(ctx, conflicting, Options{AllowOverride: true})
	if err != nil {
		t.Fatalf("override land: %v", err)
	}
	if m.Generation != 2 {
		t.Errorf("generation = %d, want 2", m.Generation)
	}
	if m.PrevChecksum != first.Checksum {
		t.Errorf("prev checksum = %q, want %q", m.PrevChecksum, first.Checksum)
	}
}

func TestLandRejectsBadKey(t *testing.T) {
	l, _, _ := newLander(t)
	extract := testExtract([][]string{{"C-1", "2024"}})
	extract.PartitionKey = "16/03/2024"
	if _, err := l.Land(context.Background(), extract, Options{}); err == nil {
		t.Fatal("non-ISO partition key must be rejected")
	}
}

func TestReadRawRoundtrip(t *testing.T) {
	l, _, _ := newLander(t)
	ctx := context.Background()
	extract := testExtract([][]string{{"C-1", "2024"}, {"C-2", "2023"}})

	m, err := l.Land(ctx, extract, Options{})
	if err != nil {
		t.Fatalf("land: %v", err)
	}

	frame, err := l.ReadRaw(ctx, "nacimientos", "2024-03-16", m.Generation)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !reflect.DeepEqual(frame, extract.Frame) {
		t.Errorf("roundtrip frame = %+v, want %+v", frame, extract.Frame)
	}
}
