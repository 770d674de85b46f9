package transform

import (
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

var computedAt = time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)

func silverRow(cert, ingestDate, municipio string, ano int32, sexo string, edadMadre, peso int32) tables.SilverBirthRow {
	r := tables.SilverBirthRow{
		NumeroCertificado:   cert,
		Ano:                 ano,
		PeriodoDeReporte:    1,
		Sexo:                sexo,
		FechaNacimiento:     ingestDate,
		MunicipioResidencia: municipio,
		IngestDate:          ingestDate,
		Generation:          1,
		SourceSystem:        "src",
		IngestedAt:          computedAt,
	}
	if edadMadre > 0 {
		r.EdadMadre = &edadMadre
	}
	if peso > 0 {
		r.PesoGramos = &peso
	}
	return r
}

func TestToGoldAggregates(t *testing.T) {
	rows := []tables.SilverBirthRow{
		silverRow("C-1", "2024-03-16", "medellin", 2024, "masculino", 28, 3200),
		silverRow("C-2", "2024-03-16", "medellin", 2024, "femenino", 41, 2950),
		silverRow("C-3", "2024-03-16", "medellin", 2024, "indeterminado", 0, 0),
		silverRow("C-4", "2024-03-16", "bello", 2024, "femenino", 19, 3100),
	}

	out := ToGold(rows, 1, computedAt)
	if len(out) != 2 {
		t.Fatalf("groups = %d, want 2", len(out))
	}

	// Sorted by (municipio, ano): bello first.
	if out[0].Municipio != "bello" || out[1].Municipio != "medellin" {
		t.Fatalf("order = %q, %q, want bello then medellin", out[0].Municipio, out[1].Municipio)
	}

	med := out[1]
	if med.Births != 3 || med.MaleBirths != 1 || med.FemaleBirths != 1 {
		t.Errorf("medellin counts = (%d, %d, %d), want (3, 1, 1)", med.Births, med.MaleBirths, med.FemaleBirths)
	}
	if med.SumEdadMadre != 69 || med.CountEdadMadre != 2 {
		t.Errorf("edad_madre sum/count = (%d, %d), want (69, 2)", med.SumEdadMadre, med.CountEdadMadre)
	}
	if med.MinEdadMadre == nil || *med.MinEdadMadre != 28 || med.MaxEdadMadre == nil || *med.MaxEdadMadre != 41 {
		t.Errorf("edad_madre min/max = (%v, %v), want (28, 41)", med.MinEdadMadre, med.MaxEdadMadre)
	}
	if med.SumPesoGramos != 6150 || med.CountPesoGramos != 2 {
		t.Errorf("peso sum/count = (%d, %d), want (6150, 2)", med.SumPesoGramos, med.CountPesoGramos)
	}
}

func TestToGoldEmptyAndNullHandling(t *testing.T) {
	if out := ToGold(nil, 1, computedAt); len(out) != 0 {
		t.Errorf("empty input must aggregate to no rows, got %d", len(out))
	}

	rows := []tables.SilverBirthRow{
		silverRow("C-1", "2024-03-16", "medellin", 2024, "masculino", 0, 0),
	}
	out := ToGold(rows, 1, computedAt)
	if out[0].MinEdadMadre != nil || out[0].MaxEdadMadre != nil {
		t.Error("all-null edad_madre must leave min/max null")
	}
	if out[0].CountEdadMadre != 0 || out[0].CountPesoGramos != 0 {
		t.Error("null values must not count toward means")
	}
}

// Promoting partition aggregates one at a time and merging them on the mart
// key must equal recomputing the mart from all silver rows at once.
func TestToGoldIncrementalEquivalence(t *testing.T) {
	p1 := []tables.SilverBirthRow{
		silverRow("C-1", "2024-03-15", "medellin", 2024, "masculino", 28, 3200),
		silverRow("C-2", "2024-03-15", "bello", 2024, "femenino", 33, 3000),
	}
	p2 := []tables.SilverBirthRow{
		silverRow("C-3", "2024-03-16", "medellin", 2024, "femenino", 41, 2950),
		silverRow("C-4", "2024-03-16", "medellin", 2023, "masculino", 25, 3300),
	}

	full := ToGold(append(append([]tables.SilverBirthRow(nil), p1...), p2...), 1, computedAt)

	type key struct {
		ingestDate, municipio string
		ano                   int32
	}
	merged := make(map[key]tables.GoldBirthSummaryRow)
	for _, part := range [][]tables.SilverBirthRow{p1, p2} {
		for _, row := range ToGold(part, 1, computedAt) {
			// Upsert on the mart key, as the warehouse merge does.
			merged[key{row.IngestDate, row.Municipio, row.Ano}] = row
		}
	}

	if len(merged) != len(full) {
		t.Fatalf("merged groups = %d, full recompute = %d", len(merged), len(full))
	}
	flat := make([]tables.GoldBirthSummaryRow, 0, len(merged))
	for _, row := range merged {
		flat = append(flat, row)
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].IngestDate != flat[j].IngestDate {
			return flat[i].IngestDate < flat[j].IngestDate
		}
		if flat[i].Municipio != flat[j].Municipio {
			return flat[i].Municipio < flat[j].Municipio
		}
		return flat[i].Ano < flat[j].Ano
	})
	sort.Slice(full, func(i, j int) bool {
		if full[i].IngestDate != full[j].IngestDate {
			return full[i].IngestDate < full[j].IngestDate
		}
		if full[i].Municipio != full[j].Municipio {
			return full[i].Municipio < full[j].Municipio
		}
		return full[i].Ano < full[j].Ano
	})
	if !reflect.DeepEqual(flat, full) {
		t.Errorf("incremental merge diverged from full recompute:\n got %+v\nwant %+v", flat, full)
	}
}
