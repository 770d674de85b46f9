// Package tables defines the partition vocabulary and the row schemas for
// the birth-registry datasets.
package tables

import (
	"fmt"
	"time"
)

// Layer identifies a medallion layer.
type Layer string

const (
	LayerRaw    Layer = "raw"
	LayerSilver Layer = "silver"
	LayerGold   Layer = "gold"
)

// Transition identifies a promotion boundary between layers. The warehouse
// load is modeled as its own transition so watermarks and load records stay
// independent of the gold partition write.
type Transition string

const (
	RawToSilver     Transition = "raw_to_silver"
	SilverToGold    Transition = "silver_to_gold"
	GoldToWarehouse Transition = "gold_to_warehouse"
)

// Source returns the layer a transition reads from.
func (t Transition) Source() Layer {
	switch t {
	case RawToSilver:
		return LayerRaw
	case SilverToGold:
		return LayerSilver
	default:
		return LayerGold
	}
}

// Target returns the layer a transition writes to. GoldToWarehouse targets
// gold; the warehouse itself is external state tracked by load records.
func (t Transition) Target() Layer {
	switch t {
	case RawToSilver:
		return LayerSilver
	default:
		return LayerGold
	}
}

// KeyLayout is the partition key format: an ingest date.
const KeyLayout = "2006-01-02"

// ValidateKey checks that a partition key is a calendar date.
func ValidateKey(key string) error {
	if _, err := time.Parse(KeyLayout, key); err != nil {
		return fmt.Errorf("partition key %q is not a %s date: %w", key, KeyLayout, err)
	}
	return nil
}
