package tables

import (
	"fmt"
	"time"
)

// SilverBirthRow is a single conformed birth record. Columns mirror the
// registry's silver contract for the births dataset; pointer fields are
// nullable in parquet. Dates stay ISO strings so re-encoding is stable.
type SilverBirthRow struct {
	// Business key
	NumeroCertificado string `parquet:"numero_certificado"`

	// Reporting period
	Ano              int32 `parquet:"ano"`
	PeriodoDeReporte int32 `parquet:"periodo_de_reporte"`

	// Newborn
	Sexo            string `parquet:"sexo"`
	FechaNacimiento string `parquet:"fecha_nacimiento"`
	PesoGramos      *int32 `parquet:"peso_gramos,optional"`

	// Parents
	EdadMadre           *int32  `parquet:"edad_madre,optional"`
	EdadPadre           *int32  `parquet:"edad_padre,optional"`
	NivelEducativoMadre *string `parquet:"nivel_educativo_madre,optional"`
	NivelEducativoPadre *string `parquet:"nivel_educativo_padre,optional"`

	// Location and certification
	MunicipioResidencia   string  `parquet:"municipio_residencia"`
	ProfesionCertificador *string `parquet:"profesion_certificador,optional"`

	// Promotion metadata
	IngestDate   string    `parquet:"ingest_date"`
	Generation   int64     `parquet:"generation"`
	SourceSystem string    `parquet:"source_system"`
	IngestedAt   time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the canonical silver table name.
func (SilverBirthRow) TableName() string {
	return "nacimientos_silver"
}

// GoldBirthSummaryRow is one aggregated mart row per
// (ingest_date, municipio, ano). Mean mother age and mean birth weight are
// carried as sum+count pairs so partial aggregates merge without loss.
type GoldBirthSummaryRow struct {
	IngestDate string `parquet:"ingest_date"`
	Municipio  string `parquet:"municipio"`
	Ano        int32  `parquet:"ano"`

	Births       int64 `parquet:"births"`
	MaleBirths   int64 `parquet:"male_births"`
	FemaleBirths int64 `parquet:"female_births"`

	SumEdadMadre   int64  `parquet:"sum_edad_madre"`
	CountEdadMadre int64  `parquet:"count_edad_madre"`
	MinEdadMadre   *int32 `parquet:"min_edad_madre,optional"`
	MaxEdadMadre   *int32 `parquet:"max_edad_madre,optional"`

	SumPesoGramos   int64 `parquet:"sum_peso_gramos"`
	CountPesoGramos int64 `parquet:"count_peso_gramos"`

	Generation int64     `parquet:"generation"`
	ComputedAt time.Time `parquet:"computed_at,timestamp(millisecond)"`
}

// TableName returns the canonical gold table name.
func (GoldBirthSummaryRow) TableName() string {
	return "nacimientos_resumen_gold"
}

// GoldKeyColumns is the warehouse upsert key for the gold mart.
var GoldKeyColumns = []string{"ingest_date", "municipio", "ano"}

// SilverContractColumns lists the domain columns, in contract order, that a
// silver frame exposes for re-validation. Promotion metadata is excluded.
var SilverContractColumns = []string{
	"numero_certificado",
	"ano",
	"periodo_de_reporte",
	"sexo",
	"fecha_nacimiento",
	"peso_gramos",
	"edad_madre",
	"edad_padre",
	"nivel_educativo_madre",
	"nivel_educativo_padre",
	"municipio_residencia",
	"profesion_certificador",
}

// SilverFrame renders silver rows as a loosely typed frame so the quality
// gate can re-validate the silver boundary with the same machinery as raw.
func SilverFrame(rows []SilverBirthRow) *Frame {
	f := &Frame{Columns: SilverContractColumns}
	for _, r := range rows {
		f.Rows = append(f.Rows, []string{
			r.NumeroCertificado,
			fmt.Sprintf("%d", r.Ano),
			fmt.Sprintf("%d", r.PeriodoDeReporte),
			r.Sexo,
			r.FechaNacimiento,
			optInt(r.PesoGramos),
			optInt(r.EdadMadre),
			optInt(r.EdadPadre),
			optStr(r.NivelEducativoMadre),
			optStr(r.NivelEducativoPadre),
			r.MunicipioResidencia,
			optStr(r.ProfesionCertificador),
		})
	}
	return f
}

func optInt(v *int32) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func optStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// SchemaVersion is the version of the physical row schemas.
// Increment on breaking changes.
const SchemaVersion = "1.0.0"
