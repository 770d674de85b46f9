// Package transform holds the pure layer transitions: conforming raw frames
// into typed silver rows and aggregating silver rows into the gold mart.
// Both directions are deterministic; no I/O happens here.
package transform

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// ContractViolationError reports data that cannot be conformed to the silver
// contract. It fails the whole partition; the run continues with the rest.
type ContractViolationError struct {
	Dataset string
	Column  string
	Reason  string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("transform contract violation for %s: column %q: %s", e.Dataset, e.Column, e.Reason)
}

// Stats summarizes one conform pass.
type Stats struct {
	RowsIn      int64
	RowsOut     int64
	RowsDropped int64 // null-policy drops
	RowsDeduped int64 // duplicate business keys collapsed
}

// dateLayouts are the source spellings accepted for fecha_nacimiento.
// Output is always tables.KeyLayout.
var dateLayouts = []string{
	tables.KeyLayout,
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2006/01/02",
}

// ToSilver conforms one normalized raw frame into typed silver rows.
//
// Column names are cleaned before matching, cells are trimmed with the empty
// string as null, every nullable column's declared null policy is applied,
// and duplicate business keys collapse last occurrence wins. Output rows are
// sorted by business key so re-encoding a partition is byte-stable.
func ToSilver(frame *tables.Frame, contract registry.Contract, key string, generation int64, sourceSystem string, ingestedAt time.Time) ([]tables.SilverBirthRow, Stats, error) {
	f := NormalizeColumns(frame)
	stats := Stats{RowsIn: f.RowCount()}

	for _, name := range contract.Required() {
		if f.ColumnIndex(name) < 0 {
			return nil, stats, &ContractViolationError{
				Dataset: contract.Dataset, Column: name, Reason: "required column missing from extract",
			}
		}
	}

	c := conformer{frame: f, contract: contract}
	byKey := make(map[string]tables.SilverBirthRow, len(f.Rows))
	order := make([]string, 0, len(f.Rows))

	for ri, rawRow := range f.Rows {
		row, keep, err := c.conformRow(ri, rawRow, key, generation, sourceSystem, ingestedAt)
		if err != nil {
			return nil, stats, err
		}
		if !keep {
			stats.RowsDropped++
			continue
		}
		if _, dup := byKey[row.NumeroCertificado]; dup {
			stats.RowsDeduped++
		} else {
			order = append(order, row.NumeroCertificado)
		}
		byKey[row.NumeroCertificado] = row
	}

	sort.Strings(order)
	out := make([]tables.SilverBirthRow, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	stats.RowsOut = int64(len(out))
	return out, stats, nil
}

// conformer coerces one raw row at a time against the silver contract.
type conformer struct {
	frame    *tables.Frame
	contract registry.Contract
}

func (c *conformer) cell(row []string, name string) string {
	idx := c.frame.ColumnIndex(name)
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// conformRow returns the typed row, or keep=false when a null policy drops
// it. Violations of the contract abort the partition.
func (c *conformer) conformRow(ri int, raw []string, key string, generation int64, sourceSystem string, ingestedAt time.Time) (tables.SilverBirthRow, bool, error) {
	var row tables.SilverBirthRow

	cert := c.cell(raw, "numero_certificado")
	if cert == "" {
		return row, false, c.violation("numero_certificado", ri, "required value is null")
	}
	row.NumeroCertificado = cert

	ano, err := c.requiredInt(raw, "ano", ri)
	if err != nil {
		return row, false, err
	}
	row.Ano = ano

	periodo, err := c.requiredInt(raw, "periodo_de_reporte", ri)
	if err != nil {
		return row, false, err
	}
	row.PeriodoDeReporte = periodo

	sexo, ok := standardizeSexo(c.cell(raw, "sexo"))
	if !ok {
		return row, false, c.violation("sexo", ri, fmt.Sprintf("value %q has no category mapping", c.cell(raw, "sexo")))
	}
	row.Sexo = sexo

	fecha, err := parseDate(c.cell(raw, "fecha_nacimiento"))
	if err != nil {
		return row, false, c.violation("fecha_nacimiento", ri, err.Error())
	}
	row.FechaNacimiento = fecha

	municipio := CleanValue(c.cell(raw, "municipio_residencia"))
	if municipio == "" {
		return row, false, c.violation("municipio_residencia", ri, "required value is null")
	}
	row.MunicipioResidencia = municipio

	for _, spec := range []struct {
		name string
		dst  **int32
	}{
		{"peso_gramos", &row.PesoGramos},
		{"edad_madre", &row.EdadMadre},
		{"edad_padre", &row.EdadPadre},
	} {
		v, keep, err := c.optionalInt(raw, spec.name, ri)
		if err != nil {
			return row, false, err
		}
		if !keep {
			return row, false, nil
		}
		*spec.dst = v
	}

	for _, spec := range []struct {
		name string
		dst  **string
	}{
		{"nivel_educativo_madre", &row.NivelEducativoMadre},
		{"nivel_educativo_padre", &row.NivelEducativoPadre},
		{"profesion_certificador", &row.ProfesionCertificador},
	} {
		v, keep, err := c.optionalCategory(raw, spec.name, ri)
		if err != nil {
			return row, false, err
		}
		if !keep {
			return row, false, nil
		}
		*spec.dst = v
	}

	row.IngestDate = key
	row.Generation = generation
	row.SourceSystem = sourceSystem
	row.IngestedAt = ingestedAt
	return row, true, nil
}

func (c *conformer) violation(column string, row int, reason string) error {
	return &ContractViolationError{
		Dataset: c.contract.Dataset,
		Column:  column,
		Reason:  fmt.Sprintf("row %d: %s", row, reason),
	}
}

func (c *conformer) requiredInt(raw []string, name string, ri int) (int32, error) {
	v := c.cell(raw, name)
	if v == "" {
		return 0, c.violation(name, ri, "required value is null")
	}
	n, err := parseInt(v)
	if err != nil {
		return 0, c.violation(name, ri, err.Error())
	}
	return n, nil
}

// optionalInt coerces a nullable int column. Unparseable values read as
// null; the column's declared policy then decides.
func (c *conformer) optionalInt(raw []string, name string, ri int) (*int32, bool, error) {
	v := c.cell(raw, name)
	if v != "" {
		if n, err := parseInt(v); err == nil {
			return &n, true, nil
		}
	}
	keep, err := c.applyNullPolicy(name, ri)
	return nil, keep, err
}

// optionalCategory coerces a nullable category column, normalizing present
// values to the underscored form sentinels use.
func (c *conformer) optionalCategory(raw []string, name string, ri int) (*string, bool, error) {
	if v := CleanValue(c.cell(raw, name)); v != "" {
		v = strings.ReplaceAll(v, " ", "_")
		return &v, true, nil
	}

	col, _ := c.contract.Column(name)
	if col.NullPolicy == registry.NullSentinel {
		s := col.Sentinel
		return &s, true, nil
	}
	keep, err := c.applyNullPolicy(name, ri)
	return nil, keep, err
}

// applyNullPolicy resolves a null in a nullable column: keep passes it
// through, drop discards the row, reject fails the partition.
func (c *conformer) applyNullPolicy(name string, ri int) (bool, error) {
	col, ok := c.contract.Column(name)
	if !ok {
		return false, c.violation(name, ri, "column not in contract")
	}
	switch col.NullPolicy {
	case registry.NullKeep, registry.NullSentinel:
		return true, nil
	case registry.NullDrop:
		return false, nil
	case registry.NullReject:
		return false, c.violation(name, ri, "null where policy is reject")
	default:
		return false, c.violation(name, ri, "nullable column declares no null policy")
	}
}

// parseInt accepts integers and float spellings of integers ("32" and
// "32.0"), which spreadsheet exports produce for numeric columns.
func parseInt(v string) (int32, error) {
	if n, err := strconv.ParseInt(v, 10, 32); err == nil {
		return int32(n), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not numeric", v)
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("value %q is not an integer", v)
	}
	return int32(f), nil
}

func parseDate(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("required value is null")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(tables.KeyLayout), nil
		}
	}
	return "", fmt.Errorf("value %q is not a recognized date", v)
}
