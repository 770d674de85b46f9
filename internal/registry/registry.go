// Package registry holds the versioned schema contracts each layer boundary
// is validated against.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Type is the semantic type of a contract column.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
	TypeCategory  Type = "category"
)

// NullPolicy declares how nulls in a column are handled at Raw→Silver.
// It must be declared for every nullable column, never implied.
type NullPolicy string

const (
	// NullReject fails the row (and the partition, if the column is required).
	NullReject NullPolicy = "reject"
	// NullSentinel substitutes the column's sentinel value.
	NullSentinel NullPolicy = "sentinel"
	// NullDrop drops the row.
	NullDrop NullPolicy = "drop"
	// NullKeep passes the null through into the nullable silver column.
	NullKeep NullPolicy = "keep"
)

// Column describes one contract column.
type Column struct {
	Name       string     `yaml:"name"`
	Type       Type       `yaml:"type"`
	Nullable   bool       `yaml:"nullable"`
	NullPolicy NullPolicy `yaml:"null_policy,omitempty"`
	Sentinel   string     `yaml:"sentinel,omitempty"`
	Categories []string   `yaml:"categories,omitempty"`
}

// Contract maps column names to semantic types and nullability for one
// (dataset, layer), versioned per dataset.
type Contract struct {
	Dataset string       `yaml:"dataset"`
	Layer   tables.Layer `yaml:"layer"`
	Version int          `yaml:"version"`
	Columns []Column     `yaml:"columns"`
}

// Column returns the named column, if present.
func (c *Contract) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Required returns the names of non-nullable columns.
func (c *Contract) Required() []string {
	var out []string
	for _, col := range c.Columns {
		if !col.Nullable {
			out = append(out, col.Name)
		}
	}
	return out
}

// Fingerprint returns a stable checksum of the contract shape. Recorded on
// manifests so schema drift between runs is detectable.
func (c *Contract) Fingerprint() string {
	cols := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		cols = append(cols, fmt.Sprintf("%s:%s:%t", col.Name, col.Type, col.Nullable))
	}
	sort.Strings(cols)
	canonical := fmt.Sprintf("%s/%s/v%d/%s", c.Dataset, c.Layer, c.Version, strings.Join(cols, ","))
	return tables.ComputeChecksum([]byte(canonical))
}

// ConflictError reports an incompatible contract registration.
type ConflictError struct {
	Dataset string
	Layer   tables.Layer
	Version int
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict for %s/%s v%d: %s", e.Dataset, e.Layer, e.Version, e.Reason)
}

// Registry is the in-process contract store. It is the leaf dependency of
// every validator; contents are seeded from built-ins and configuration.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string][]Contract // key: dataset/layer, sorted by version
	backfill  map[string]bool       // one-time backfill flags per dataset/layer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		contracts: make(map[string][]Contract),
		backfill:  make(map[string]bool),
	}
}

func contractKey(dataset string, layer tables.Layer) string {
	return dataset + "/" + string(layer)
}

// Register adds or evolves a contract.
//
// Re-registering an existing version is allowed only for additive evolution:
// new nullable columns may appear, nothing may be removed, retyped, or
// narrowed. Anything else requires a new version; registering a new version
// that removes or retypes columns flags downstream consumers for a one-time
// backfill.
func (r *Registry) Register(c Contract) error {
	if err := validate(c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := contractKey(c.Dataset, c.Layer)
	versions := r.contracts[key]

	for i, existing := range versions {
		if existing.Version != c.Version {
			continue
		}
		if reason := incompatibility(existing, c); reason != "" {
			return &ConflictError{Dataset: c.Dataset, Layer: c.Layer, Version: c.Version, Reason: reason}
		}
		versions[i] = c
		return nil
	}

	if latest := latestOf(versions); latest != nil {
		if c.Version < latest.Version {
			return &ConflictError{
				Dataset: c.Dataset, Layer: c.Layer, Version: c.Version,
				Reason: fmt.Sprintf("version regresses below latest v%d", latest.Version),
			}
		}
		// A breaking change across versions is legal but marks consumers
		// of this boundary for a one-time backfill.
		if incompatibility(*latest, c) != "" {
			r.backfill[key] = true
		}
	}

	r.contracts[key] = append(versions, c)
	sort.Slice(r.contracts[key], func(i, j int) bool {
		return r.contracts[key][i].Version < r.contracts[key][j].Version
	})
	return nil
}

// GetContract returns the contract for a dataset and layer.
// Version 0 selects the latest registered version.
func (r *Registry) GetContract(dataset string, layer tables.Layer, version int) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.contracts[contractKey(dataset, layer)]
	if len(versions) == 0 {
		return Contract{}, fmt.Errorf("no contract registered for %s/%s", dataset, layer)
	}
	if version == 0 {
		return *latestOf(versions), nil
	}
	for _, c := range versions {
		if c.Version == version {
			return c, nil
		}
	}
	return Contract{}, fmt.Errorf("no contract registered for %s/%s v%d", dataset, layer, version)
}

// ConsumeBackfillFlag reports whether a breaking evolution requires a
// backfill of this boundary's consumers, clearing the flag.
func (r *Registry) ConsumeBackfillFlag(dataset string, layer tables.Layer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := contractKey(dataset, layer)
	flagged := r.backfill[key]
	delete(r.backfill, key)
	return flagged
}

func latestOf(versions []Contract) *Contract {
	if len(versions) == 0 {
		return nil
	}
	latest := &versions[0]
	for i := range versions {
		if versions[i].Version > latest.Version {
			latest = &versions[i]
		}
	}
	return latest
}

func validate(c Contract) error {
	if c.Dataset == "" {
		return fmt.Errorf("contract missing dataset")
	}
	if c.Version < 1 {
		return fmt.Errorf("contract %s/%s: version must be >= 1", c.Dataset, c.Layer)
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("contract %s/%s v%d has no columns", c.Dataset, c.Layer, c.Version)
	}
	seen := make(map[string]bool, len(c.Columns))
	for _, col := range c.Columns {
		if col.Name == "" {
			return fmt.Errorf("contract %s/%s v%d: column with empty name", c.Dataset, c.Layer, c.Version)
		}
		if seen[col.Name] {
			return fmt.Errorf("contract %s/%s v%d: duplicate column %q", c.Dataset, c.Layer, c.Version, col.Name)
		}
		seen[col.Name] = true
		switch col.Type {
		case TypeString, TypeInt, TypeFloat, TypeDate, TypeTimestamp, TypeCategory:
		default:
			return fmt.Errorf("contract %s/%s v%d: column %q has unknown type %q", c.Dataset, c.Layer, c.Version, col.Name, col.Type)
		}
		// Null handling is always an explicit decision.
		if col.Nullable && col.NullPolicy == "" {
			return fmt.Errorf("contract %s/%s v%d: nullable column %q declares no null policy", c.Dataset, c.Layer, c.Version, col.Name)
		}
		if col.NullPolicy == NullSentinel && col.Sentinel == "" {
			return fmt.Errorf("contract %s/%s v%d: column %q uses sentinel policy without a sentinel", c.Dataset, c.Layer, c.Version, col.Name)
		}
	}
	return nil
}

// incompatibility returns a non-empty reason if next cannot replace prev
// in place: removed columns, type changes, or nullable→required narrowing.
func incompatibility(prev, next Contract) string {
	for _, old := range prev.Columns {
		replacement, ok := next.Column(old.Name)
		if !ok {
			return fmt.Sprintf("column %q removed", old.Name)
		}
		if replacement.Type != old.Type {
			return fmt.Sprintf("column %q type changed %s -> %s", old.Name, old.Type, replacement.Type)
		}
		if old.Nullable && !replacement.Nullable {
			return fmt.Sprintf("column %q narrowed from nullable to required", old.Name)
		}
	}
	for _, added := range next.Columns {
		if _, ok := prev.Column(added.Name); !ok && !added.Nullable {
			return fmt.Sprintf("new column %q must be nullable", added.Name)
		}
	}
	return ""
}
