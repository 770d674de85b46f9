package catalog

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Memory is an in-process catalog for tests and single-node local runs.
type Memory struct {
	mu         sync.RWMutex
	manifests  map[string]Manifest // dataset/layer/key/generation
	quality    map[string]QualityRecord
	watermarks map[string]Watermark // dataset/transition
	audit      []AuditEntry
	loads      map[string]LoadRecord    // dataset/key/generation
	runLocks   map[string]chan struct{} // dataset, buffered cap 1
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		manifests:  make(map[string]Manifest),
		quality:    make(map[string]QualityRecord),
		watermarks: make(map[string]Watermark),
		loads:      make(map[string]LoadRecord),
		runLocks:   make(map[string]chan struct{}),
	}
}

func (m *Memory) AcquireRunLock(ctx context.Context, dataset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.runLocks[dataset]
	if !ok {
		ch = make(chan struct{}, 1)
		m.runLocks[dataset] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) ReleaseRunLock(_ context.Context, dataset string) error {
	m.mu.RLock()
	ch := m.runLocks[dataset]
	m.mu.RUnlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
	default:
	}
	return nil
}

func manifestKey(dataset string, layer tables.Layer, key string, gen int64) string {
	return dataset + "/" + string(layer) + "/" + key + "/" + strconv.FormatInt(gen, 10)
}

func (m *Memory) PutManifest(_ context.Context, rec Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[manifestKey(rec.Dataset, rec.Layer, rec.PartitionKey, rec.Generation)] = rec
	return nil
}

func (m *Memory) GetManifest(_ context.Context, dataset string, layer tables.Layer, key string, gen int64) (*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.manifests[manifestKey(dataset, layer, key, gen)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *Memory) LatestManifest(_ context.Context, dataset string, layer tables.Layer, key string) (*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Manifest
	for _, rec := range m.manifests {
		rec := rec
		if rec.Dataset == dataset && rec.Layer == layer && rec.PartitionKey == key {
			if latest == nil || rec.Generation > latest.Generation {
				latest = &rec
			}
		}
	}
	return latest, nil
}

func (m *Memory) ListLatestManifests(_ context.Context, dataset string, layer tables.Layer) ([]Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLatestLocked(dataset, layer)
}

func (m *Memory) NextGeneration(_ context.Context, dataset string, layer tables.Layer, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, rec := range m.manifests {
		if rec.Dataset == dataset && rec.Layer == layer && rec.PartitionKey == key && rec.Generation > max {
			max = rec.Generation
		}
	}
	return max + 1, nil
}

func (m *Memory) PutQuality(_ context.Context, rec QualityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality[manifestKey(rec.Dataset, rec.Layer, rec.PartitionKey, rec.Generation)] = rec
	return nil
}

func (m *Memory) TrailingRowCounts(_ context.Context, dataset string, layer tables.Layer, excludeKey string, limit int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest, err := m.listLatestLocked(dataset, layer)
	if err != nil {
		return nil, err
	}
	var counts []int64
	for i := len(latest) - 1; i >= 0 && len(counts) < limit; i-- {
		if latest[i].PartitionKey == excludeKey {
			continue
		}
		counts = append(counts, latest[i].RowCount)
	}
	return counts, nil
}

func (m *Memory) listLatestLocked(dataset string, layer tables.Layer) ([]Manifest, error) {
	byKey := make(map[string]Manifest)
	for _, rec := range m.manifests {
		if rec.Dataset != dataset || rec.Layer != layer {
			continue
		}
		if cur, ok := byKey[rec.PartitionKey]; !ok || rec.Generation > cur.Generation {
			byKey[rec.PartitionKey] = rec
		}
	}
	out := make([]Manifest, 0, len(byKey))
	for _, rec := range byKey {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}

func (m *Memory) GetWatermark(_ context.Context, dataset string, transition tables.Transition) (*Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if wm, ok := m.watermarks[dataset+"/"+string(transition)]; ok {
		return &wm, nil
	}
	return nil, nil
}

func (m *Memory) SetWatermark(_ context.Context, wm Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[wm.Dataset+"/"+string(wm.Transition)] = wm
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// AuditEntries returns a copy of the backfill audit log. Test helper.
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Memory) GetLoadRecord(_ context.Context, dataset, key string, gen int64) (*LoadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.loads[dataset+"/"+key+"/"+strconv.FormatInt(gen, 10)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *Memory) PutLoadRecord(_ context.Context, rec LoadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[rec.Dataset+"/"+rec.PartitionKey+"/"+strconv.FormatInt(rec.Generation, 10)] = rec
	return nil
}

func (m *Memory) Close() error { return nil }
