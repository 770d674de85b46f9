package quality

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/metrics"
	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

func contracts(t *testing.T) (raw, silver registry.Contract) {
	t.Helper()
	r := registry.New()
	if err := registry.RegisterBirths(r); err != nil {
		t.Fatalf("seed contracts: %v", err)
	}
	raw, _ = r.GetContract(registry.BirthsDataset, tables.LayerRaw, 0)
	silver, _ = r.GetContract(registry.BirthsDataset, tables.LayerSilver, 0)
	return raw, silver
}

func goodSilverFrame(n int) *tables.Frame {
	var rows []tables.SilverBirthRow
	for i := 0; i < n; i++ {
		edad := int32(20 + i%20)
		edadP := int32(22 + i%25)
		peso := int32(3000 + i)
		sexo := "masculino"
		if i%2 == 0 {
			sexo = "femenino"
		}
		nivel := "secundaria"
		rows = append(rows, tables.SilverBirthRow{
			NumeroCertificado:   "C-" + strings.Repeat("0", 3) + string(rune('A'+i%26)),
			Ano:                 2024,
			PeriodoDeReporte:    1,
			Sexo:                sexo,
			FechaNacimiento:     "2024-03-15",
			PesoGramos:          &peso,
			EdadMadre:           &edad,
			EdadPadre:           &edadP,
			NivelEducativoMadre: &nivel,
			NivelEducativoPadre: &nivel,
			MunicipioResidencia: "medellin",
		})
	}
	return tables.SilverFrame(rows)
}

func TestValidatePasses(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	rec, err := gate.Validate(context.Background(), goodSilverFrame(10), silver, "2024-03-16", 1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !rec.Passed || len(rec.Violations) != 0 {
		t.Errorf("record = %+v, want clean pass", rec)
	}
	if rec.Dataset != registry.BirthsDataset || rec.Layer != tables.LayerSilver {
		t.Errorf("record identity wrong: %+v", rec)
	}
}

func TestValidateSchemaShape(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	frame := goodSilverFrame(3)
	frame.Columns = append([]string(nil), frame.Columns...)
	frame.Columns[0] = "certificado" // renames numero_certificado away

	rec, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure", err)
	}
	if rec.Passed {
		t.Error("record must be a failure")
	}

	var missing bool
	for _, v := range gf.Violations {
		if strings.Contains(v, `missing required column "numero_certificado"`) {
			missing = true
		}
	}
	if !missing {
		t.Errorf("violations = %v, want a missing required column report", gf.Violations)
	}
	// The stray column is tolerated and only surfaced on the record.
	var unexpected bool
	for _, w := range rec.Warnings {
		if strings.Contains(w, `unexpected column "certificado"`) {
			unexpected = true
		}
	}
	if !unexpected {
		t.Errorf("warnings = %v, want the unexpected column flagged", rec.Warnings)
	}
}

func TestValidateToleratesExtraAndAbsentOptionalColumns(t *testing.T) {
	raw, _ := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	// Only the required raw columns, plus one the contract never names.
	frame := &tables.Frame{
		Columns: []string{
			"numero_certificado", "ano", "periodo_de_reporte", "sexo",
			"fecha_nacimiento", "municipio_residencia", "tipo_parto",
		},
		Rows: [][]string{
			{"C-1", "2024", "1", "masculino", "2024-03-15", "medellin", "natural"},
			{"C-2", "2024", "1", "femenino", "2024-03-15", "bello", "cesarea"},
		},
	}

	rec, err := gate.Validate(context.Background(), frame, raw, "2024-03-16", 1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !rec.Passed || len(rec.Violations) != 0 {
		t.Fatalf("record = %+v, want a pass with warnings only", rec)
	}

	var extra, absent bool
	for _, w := range rec.Warnings {
		if strings.Contains(w, `unexpected column "tipo_parto"`) {
			extra = true
		}
		if strings.Contains(w, `optional column "peso_gramos" absent`) {
			absent = true
		}
	}
	if !extra || !absent {
		t.Errorf("warnings = %v, want extra and absent-optional flags", rec.Warnings)
	}
}

func TestValidateConfiguredLimitOverridesRequiredZeroTolerance(t *testing.T) {
	_, silver := contracts(t)
	rules := DefaultBirthsRules()
	rules.NullRateLimits["municipio_residencia"] = 0.20
	gate := New(catalog.NewMemory(), rules)

	frame := goodSilverFrame(10)
	idx := frame.ColumnIndex("municipio_residencia")
	frame.Rows[0][idx] = "" // 10%, under the configured limit

	if _, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1); err != nil {
		t.Fatalf("10%% nulls under a 20%% limit must pass, got %v", err)
	}

	for i := 1; i < 3; i++ {
		frame.Rows[i][idx] = "" // 30%, over the limit
	}
	_, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure over the configured limit", err)
	}
}

func TestValidateNullRates(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	frame := goodSilverFrame(10)
	anoIdx := frame.ColumnIndex("ano")
	edadIdx := frame.ColumnIndex("edad_madre")
	frame.Rows[0][anoIdx] = "" // required null
	for i := 0; i < 5; i++ {   // 50% nulls, limit is 20%
		frame.Rows[i][edadIdx] = ""
	}

	_, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure", err)
	}

	var requiredNull, overLimit bool
	for _, v := range gf.Violations {
		if strings.Contains(v, `required column "ano"`) {
			requiredNull = true
		}
		if strings.Contains(v, `"edad_madre" null rate`) {
			overLimit = true
		}
	}
	if !requiredNull || !overLimit {
		t.Errorf("violations = %v, want required-null and rate-limit reports", gf.Violations)
	}
}

func TestValidateValueRules(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	frame := goodSilverFrame(5)
	frame.Rows[0][frame.ColumnIndex("edad_madre")] = "8"     // below 10
	frame.Rows[1][frame.ColumnIndex("ano")] = "1999"         // below 2000
	frame.Rows[2][frame.ColumnIndex("sexo")] = "otro"        // outside category set
	frame.Rows[3][frame.ColumnIndex("fecha_nacimiento")] = "15/03/2024"

	_, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure", err)
	}
	if len(gf.Violations) < 4 {
		t.Errorf("violations = %v, want range, category, and date reports", gf.Violations)
	}
}

func TestValidateRowCountDeviation(t *testing.T) {
	_, silver := contracts(t)
	cat := catalog.NewMemory()
	gate := New(cat, DefaultBirthsRules())
	ctx := context.Background()

	// Seed a baseline of ~100-row silver partitions.
	for i, key := range []string{"2024-03-12", "2024-03-13", "2024-03-14"} {
		err := cat.PutManifest(ctx, catalog.Manifest{
			Dataset: registry.BirthsDataset, Layer: tables.LayerSilver,
			PartitionKey: key, Generation: 1, RowCount: int64(100 + i),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed manifest: %v", err)
		}
	}

	_, err := gate.Validate(ctx, goodSilverFrame(5), silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure for 5 rows against ~100 baseline", err)
	}

	// A count inside the deviation band passes.
	if _, err := gate.Validate(ctx, goodSilverFrame(90), silver, "2024-03-16", 1); err != nil {
		t.Errorf("90 rows against ~100 baseline must pass, got %v", err)
	}
}

func TestValidateRowCountExcludesOwnPartition(t *testing.T) {
	_, silver := contracts(t)
	cat := catalog.NewMemory()
	gate := New(cat, DefaultBirthsRules())
	ctx := context.Background()

	// Three healthy ~100-row partitions, plus an already landed manifest for
	// the partition under validation. Its own count must not dilute the
	// baseline it is judged against.
	for i, key := range []string{"2024-03-12", "2024-03-13", "2024-03-14", "2024-03-16"} {
		rows := int64(100 + i)
		if key == "2024-03-16" {
			rows = 30
		}
		err := cat.PutManifest(ctx, catalog.Manifest{
			Dataset: registry.BirthsDataset, Layer: tables.LayerSilver,
			PartitionKey: key, Generation: 1, RowCount: rows,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed manifest: %v", err)
		}
	}

	_, err := gate.Validate(ctx, goodSilverFrame(30), silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure for 30 rows against ~100 baseline", err)
	}
}

func TestValidateCountsViolationsMetric(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	frame := goodSilverFrame(4)
	frame.Rows[0][frame.ColumnIndex("edad_madre")] = "8"

	counter := metrics.QualityViolations.WithLabelValues(registry.BirthsDataset, string(tables.LayerSilver))
	before := testutil.ToFloat64(counter)

	_, err := gate.Validate(context.Background(), frame, silver, "2024-03-16", 1)
	var gf *GateFailure
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want *GateFailure", err)
	}

	if got := testutil.ToFloat64(counter) - before; got != float64(len(gf.Violations)) {
		t.Errorf("violations counter moved by %g, want %d", got, len(gf.Violations))
	}
}

func TestValidateRowCountSkippedWithoutBaseline(t *testing.T) {
	_, silver := contracts(t)
	gate := New(catalog.NewMemory(), DefaultBirthsRules())

	// No history at all: the deviation check must not fire.
	if _, err := gate.Validate(context.Background(), goodSilverFrame(5), silver, "2024-03-16", 1); err != nil {
		t.Errorf("validate without baseline: %v", err)
	}
}
