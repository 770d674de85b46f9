// Package quality validates partitions against their contract and the
// configured plausibility rules before promotion.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/metrics"
	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Range bounds a numeric column, inclusive on both ends.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Rules is the configured rule set applied on top of the contract.
type Rules struct {
	// NullRateLimits caps the null fraction per column, 0.0..1.0. A
	// configured entry also overrides the zero-tolerance default on
	// required columns.
	NullRateLimits map[string]float64 `yaml:"null_rate_limits"`

	// Ranges bounds numeric columns.
	Ranges map[string]Range `yaml:"ranges"`

	// DeviationFactor bounds the partition row count against the trailing
	// average: counts outside [avg/f, avg*f] fail. Zero disables the check.
	DeviationFactor float64 `yaml:"deviation_factor"`

	// TrailingWindow is how many recent partitions form the baseline.
	TrailingWindow int `yaml:"trailing_window"`

	// MinBaseline is the minimum number of prior partitions before the
	// row-count check applies at all.
	MinBaseline int `yaml:"min_baseline"`
}

// DefaultBirthsRules returns the rule set for the births dataset, matching
// the plausibility bounds of the upstream registry.
func DefaultBirthsRules() Rules {
	return Rules{
		NullRateLimits: map[string]float64{
			"edad_madre":  0.20,
			"peso_gramos": 0.30,
			"edad_padre":  0.50,
		},
		Ranges: map[string]Range{
			"edad_madre":  {Min: 10, Max: 60},
			"edad_padre":  {Min: 10, Max: 90},
			"ano":         {Min: 2000, Max: 2035},
			"peso_gramos": {Min: 500, Max: 7000},
		},
		DeviationFactor: 3.0,
		TrailingWindow:  7,
		MinBaseline:     3,
	}
}

// GateFailure reports that a partition failed validation. It isolates the
// partition: the run continues with the rest.
type GateFailure struct {
	Dataset      string
	Layer        tables.Layer
	PartitionKey string
	Generation   int64
	Violations   []string
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("quality gate failed for %s/%s/%s gen=%d: %s",
		e.Dataset, e.Layer, e.PartitionKey, e.Generation, strings.Join(e.Violations, "; "))
}

// Gate validates partitions and persists every verdict.
type Gate struct {
	cat   catalog.Catalog
	rules Rules
	log   *slog.Logger
}

// New creates a Gate.
func New(cat catalog.Catalog, rules Rules) *Gate {
	return &Gate{
		cat:   cat,
		rules: rules,
		log:   slog.With("component", "quality"),
	}
}

// Validate runs the check chain against one partition frame and records the
// verdict. All checks run even after the first violation so the record lists
// everything wrong at once. A failing partition returns a *GateFailure;
// tolerated deviations (extra or absent optional columns) are recorded as
// warnings and never fail the partition.
//
// Check order: schema shape, null rates, value rules, row-count sanity.
func (g *Gate) Validate(ctx context.Context, frame *tables.Frame, contract registry.Contract, key string, generation int64) (*catalog.QualityRecord, error) {
	violations, warnings := g.checkSchema(frame, contract)
	violations = append(violations, g.checkNullRates(frame, contract)...)
	violations = append(violations, g.checkValues(frame, contract)...)

	baseline, err := g.checkRowCount(ctx, frame, contract, key)
	if err != nil {
		return nil, err
	}
	violations = append(violations, baseline...)

	rec := catalog.QualityRecord{
		Dataset:      contract.Dataset,
		Layer:        contract.Layer,
		PartitionKey: key,
		Generation:   generation,
		Passed:       len(violations) == 0,
		Violations:   violations,
		Warnings:     warnings,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.cat.PutQuality(ctx, rec); err != nil {
		return nil, fmt.Errorf("record quality verdict: %w", err)
	}

	if len(warnings) > 0 {
		g.log.Info("schema deviations tolerated",
			"dataset", contract.Dataset,
			"layer", contract.Layer,
			"partition_key", key,
			"generation", generation,
			"warnings", warnings,
		)
	}
	if !rec.Passed {
		metrics.QualityViolations.WithLabelValues(contract.Dataset, string(contract.Layer)).Add(float64(len(violations)))
		g.log.Warn("quality gate failed",
			"dataset", contract.Dataset,
			"layer", contract.Layer,
			"partition_key", key,
			"generation", generation,
			"violations", len(violations),
		)
		return &rec, &GateFailure{
			Dataset:      contract.Dataset,
			Layer:        contract.Layer,
			PartitionKey: key,
			Generation:   generation,
			Violations:   violations,
		}
	}
	return &rec, nil
}

// checkSchema verifies that every required contract column is present.
// Extra columns the contract never names and absent optional columns are
// tolerated; they come back as warnings, not violations.
func (g *Gate) checkSchema(frame *tables.Frame, contract registry.Contract) (violations, warnings []string) {
	for _, col := range contract.Columns {
		if frame.ColumnIndex(col.Name) >= 0 {
			continue
		}
		if col.Nullable {
			warnings = append(warnings, fmt.Sprintf("optional column %q absent", col.Name))
			continue
		}
		violations = append(violations, fmt.Sprintf("missing required column %q", col.Name))
	}
	for _, name := range frame.Columns {
		if _, ok := contract.Column(name); !ok {
			warnings = append(warnings, fmt.Sprintf("unexpected column %q", name))
		}
	}
	return violations, warnings
}

// checkNullRates bounds the null fraction per column. A configured limit
// wins; without one, required columns tolerate no nulls at all. Absent
// columns are the schema check's concern and are skipped here.
func (g *Gate) checkNullRates(frame *tables.Frame, contract registry.Contract) []string {
	var out []string
	for _, col := range contract.Columns {
		if frame.ColumnIndex(col.Name) < 0 {
			continue
		}
		rate := frame.NullRate(col.Name)
		limit, configured := g.rules.NullRateLimits[col.Name]
		switch {
		case configured && rate > limit:
			out = append(out, fmt.Sprintf("column %q null rate %.4f exceeds limit %.4f", col.Name, rate, limit))
		case !configured && !col.Nullable && rate > 0:
			out = append(out, fmt.Sprintf("required column %q has null rate %.4f", col.Name, rate))
		}
	}
	return out
}

// checkValues enforces numeric ranges and category membership. Nulls are
// the null-rate check's concern and are skipped here.
func (g *Gate) checkValues(frame *tables.Frame, contract registry.Contract) []string {
	var out []string
	for _, col := range contract.Columns {
		idx := frame.ColumnIndex(col.Name)
		if idx < 0 {
			continue
		}

		switch col.Type {
		case registry.TypeInt, registry.TypeFloat:
			bounds, bounded := g.rules.Ranges[col.Name]
			var unparseable, outOfRange int
			for _, row := range frame.Rows {
				v := cellAt(row, idx)
				if v == "" {
					continue
				}
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					unparseable++
					continue
				}
				if bounded && (f < bounds.Min || f > bounds.Max) {
					outOfRange++
				}
			}
			if unparseable > 0 {
				out = append(out, fmt.Sprintf("column %q has %d non-numeric values", col.Name, unparseable))
			}
			if outOfRange > 0 {
				out = append(out, fmt.Sprintf("column %q has %d values outside [%g, %g]", col.Name, outOfRange, bounds.Min, bounds.Max))
			}

		case registry.TypeCategory:
			if len(col.Categories) == 0 {
				continue
			}
			allowed := make(map[string]bool, len(col.Categories)+1)
			for _, c := range col.Categories {
				allowed[c] = true
			}
			if col.Sentinel != "" {
				allowed[col.Sentinel] = true
			}
			var invalid int
			for _, row := range frame.Rows {
				if v := cellAt(row, idx); v != "" && !allowed[v] {
					invalid++
				}
			}
			if invalid > 0 {
				out = append(out, fmt.Sprintf("column %q has %d values outside its category set", col.Name, invalid))
			}

		case registry.TypeDate:
			var invalid int
			for _, row := range frame.Rows {
				if v := cellAt(row, idx); v != "" {
					if _, err := time.Parse(tables.KeyLayout, v); err != nil {
						invalid++
					}
				}
			}
			if invalid > 0 {
				out = append(out, fmt.Sprintf("column %q has %d unparseable dates", col.Name, invalid))
			}
		}
	}
	return out
}

// cellAt tolerates short rows; a missing cell reads as null.
func cellAt(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return row[idx]
}

// checkRowCount compares the partition's row count to the trailing average
// of already accepted partitions at the same boundary. The partition under
// validation is excluded from its own baseline. The check is skipped until
// enough history exists.
func (g *Gate) checkRowCount(ctx context.Context, frame *tables.Frame, contract registry.Contract, key string) ([]string, error) {
	if g.rules.DeviationFactor <= 1 {
		return nil, nil
	}

	counts, err := g.cat.TrailingRowCounts(ctx, contract.Dataset, contract.Layer, key, g.rules.TrailingWindow)
	if err != nil {
		return nil, fmt.Errorf("load trailing row counts: %w", err)
	}
	if len(counts) < g.rules.MinBaseline {
		return nil, nil
	}

	var sum int64
	for _, c := range counts {
		sum += c
	}
	avg := float64(sum) / float64(len(counts))
	if avg == 0 {
		return nil, nil
	}

	n := float64(frame.RowCount())
	if n > avg*g.rules.DeviationFactor || n < avg/g.rules.DeviationFactor {
		return []string{fmt.Sprintf("row count %d deviates from trailing average %.1f beyond factor %g",
			frame.RowCount(), avg, g.rules.DeviationFactor)}, nil
	}
	return nil, nil
}
