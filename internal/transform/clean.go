package transform

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// deaccent strips combining marks after NFD decomposition, so "año" and
// "ano" normalize identically.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// CleanName canonicalizes a source column name: trim, lowercase, drop
// accents, and collapse every non-alphanumeric run into one underscore.
// "Año " and "AÑO" both become "ano".
func CleanName(name string) string {
	s, _, err := transform.String(deaccent, strings.TrimSpace(name))
	if err != nil {
		s = strings.TrimSpace(name)
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := true // suppress a leading underscore
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// CleanValue canonicalizes a categorical cell the same way column names are
// cleaned, keeping single spaces between words instead of underscores.
func CleanValue(v string) string {
	s, _, err := transform.String(deaccent, strings.TrimSpace(v))
	if err != nil {
		s = strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeColumns returns a copy of the frame with cleaned column names.
// Export artifacts (unnamed spreadsheet columns) are dropped; when cleaning
// collapses two source columns to the same name, the first occurrence wins.
func NormalizeColumns(f *tables.Frame) *tables.Frame {
	keep := make([]int, 0, len(f.Columns))
	names := make([]string, 0, len(f.Columns))
	seen := make(map[string]bool, len(f.Columns))

	for i, col := range f.Columns {
		name := CleanName(col)
		if name == "" || strings.HasPrefix(name, "unnamed") {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		keep = append(keep, i)
		names = append(names, name)
	}

	out := &tables.Frame{Columns: names, Rows: make([][]string, len(f.Rows))}
	for ri, row := range f.Rows {
		cells := make([]string, len(keep))
		for ci, src := range keep {
			if src < len(row) {
				cells[ci] = strings.TrimSpace(row[src])
			}
		}
		out.Rows[ri] = cells
	}
	return out
}

// sexoAliases maps source spellings of the sex field onto the contract's
// category set.
var sexoAliases = map[string]string{
	"masculino":     "masculino",
	"m":             "masculino",
	"hombre":        "masculino",
	"femenino":      "femenino",
	"f":             "femenino",
	"mujer":         "femenino",
	"indeterminado": "indeterminado",
	"i":             "indeterminado",
}

// standardizeSexo maps a raw sex value onto the contract category set,
// returning false for values with no known alias.
func standardizeSexo(v string) (string, bool) {
	out, ok := sexoAliases[CleanValue(v)]
	return out, ok
}
