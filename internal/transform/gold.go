package transform

import (
	"sort"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// ToGold aggregates one silver partition into the gold mart rows.
//
// Rows are keyed by (ingest_date, municipio, ano). Because every silver row
// carries the partition's own ingest date, partitions contribute disjoint
// key sets, so merging partition aggregates into the warehouse is equivalent
// to recomputing the mart from all silver partitions at once. Means are
// carried as sum+count pairs for the same reason. Output is sorted by
// (municipio, ano) so re-encoding a partition is byte-stable.
func ToGold(rows []tables.SilverBirthRow, generation int64, computedAt time.Time) []tables.GoldBirthSummaryRow {
	type groupKey struct {
		ingestDate string
		municipio  string
		ano        int32
	}

	groups := make(map[groupKey]*tables.GoldBirthSummaryRow)
	for _, r := range rows {
		k := groupKey{ingestDate: r.IngestDate, municipio: r.MunicipioResidencia, ano: r.Ano}
		g, ok := groups[k]
		if !ok {
			g = &tables.GoldBirthSummaryRow{
				IngestDate: k.ingestDate,
				Municipio:  k.municipio,
				Ano:        k.ano,
				Generation: generation,
				ComputedAt: computedAt,
			}
			groups[k] = g
		}

		g.Births++
		switch r.Sexo {
		case "masculino":
			g.MaleBirths++
		case "femenino":
			g.FemaleBirths++
		}

		if r.EdadMadre != nil {
			age := *r.EdadMadre
			g.SumEdadMadre += int64(age)
			g.CountEdadMadre++
			if g.MinEdadMadre == nil || age < *g.MinEdadMadre {
				v := age
				g.MinEdadMadre = &v
			}
			if g.MaxEdadMadre == nil || age > *g.MaxEdadMadre {
				v := age
				g.MaxEdadMadre = &v
			}
		}
		if r.PesoGramos != nil {
			g.SumPesoGramos += int64(*r.PesoGramos)
			g.CountPesoGramos++
		}
	}

	out := make([]tables.GoldBirthSummaryRow, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Municipio != out[j].Municipio {
			return out[i].Municipio < out[j].Municipio
		}
		return out[i].Ano < out[j].Ano
	})
	return out
}
