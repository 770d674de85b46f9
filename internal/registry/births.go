package registry

import (
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// BirthsDataset is the dataset identifier for the national birth registry
// extract (Nacimientos, Hospital General de Medellín feed).
const BirthsDataset = "nacimientos"

// RegisterBirths seeds the built-in contracts for the births dataset.
// Raw is a passthrough contract (everything string-typed and tolerated);
// Silver and Gold are the conformed and aggregated shapes.
func RegisterBirths(r *Registry) error {
	for _, c := range []Contract{birthsRaw(), birthsSilver(), birthsGold()} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// birthsRaw tolerates anything the source sends but pins the columns a
// landing extract must at least carry, untyped. Names are matched after
// normalization.
func birthsRaw() Contract {
	required := []string{
		"numero_certificado",
		"ano",
		"periodo_de_reporte",
		"sexo",
		"fecha_nacimiento",
		"municipio_residencia",
	}
	optional := []string{
		"peso_gramos",
		"edad_madre",
		"edad_padre",
		"nivel_educativo_madre",
		"nivel_educativo_padre",
		"profesion_certificador",
	}

	var cols []Column
	for _, name := range required {
		cols = append(cols, Column{Name: name, Type: TypeString})
	}
	for _, name := range optional {
		cols = append(cols, Column{Name: name, Type: TypeString, Nullable: true, NullPolicy: NullKeep})
	}
	return Contract{Dataset: BirthsDataset, Layer: tables.LayerRaw, Version: 1, Columns: cols}
}

func birthsSilver() Contract {
	return Contract{
		Dataset: BirthsDataset,
		Layer:   tables.LayerSilver,
		Version: 1,
		Columns: []Column{
			{Name: "numero_certificado", Type: TypeString},
			{Name: "ano", Type: TypeInt},
			{Name: "periodo_de_reporte", Type: TypeInt},
			{Name: "sexo", Type: TypeCategory, Categories: []string{"masculino", "femenino", "indeterminado"}},
			{Name: "fecha_nacimiento", Type: TypeDate},
			{Name: "peso_gramos", Type: TypeInt, Nullable: true, NullPolicy: NullKeep},
			{Name: "edad_madre", Type: TypeInt, Nullable: true, NullPolicy: NullKeep},
			{Name: "edad_padre", Type: TypeInt, Nullable: true, NullPolicy: NullKeep},
			{Name: "nivel_educativo_madre", Type: TypeCategory, Nullable: true, NullPolicy: NullSentinel, Sentinel: "sin_informacion"},
			{Name: "nivel_educativo_padre", Type: TypeCategory, Nullable: true, NullPolicy: NullSentinel, Sentinel: "sin_informacion"},
			{Name: "municipio_residencia", Type: TypeString},
			{Name: "profesion_certificador", Type: TypeCategory, Nullable: true, NullPolicy: NullSentinel, Sentinel: "sin_informacion"},
		},
	}
}

func birthsGold() Contract {
	return Contract{
		Dataset: BirthsDataset,
		Layer:   tables.LayerGold,
		Version: 1,
		Columns: []Column{
			{Name: "ingest_date", Type: TypeDate},
			{Name: "municipio", Type: TypeString},
			{Name: "ano", Type: TypeInt},
			{Name: "births", Type: TypeInt},
			{Name: "male_births", Type: TypeInt},
			{Name: "female_births", Type: TypeInt},
			{Name: "sum_edad_madre", Type: TypeInt},
			{Name: "count_edad_madre", Type: TypeInt},
			{Name: "min_edad_madre", Type: TypeInt, Nullable: true, NullPolicy: NullKeep},
			{Name: "max_edad_madre", Type: TypeInt, Nullable: true, NullPolicy: NullKeep},
			{Name: "sum_peso_gramos", Type: TypeInt},
			{Name: "count_peso_gramos", Type: TypeInt},
		},
	}
}
