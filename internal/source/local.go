package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// LocalProvider reads extracts from the local filesystem, laid out as
// <base>/<dataset>/ingest_date=<key>/<file>.csv.
type LocalProvider struct {
	basePath     string
	sourceSystem string
}

// NewLocalProvider creates a new local filesystem provider.
func NewLocalProvider(basePath, sourceSystem string) (*LocalProvider, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", basePath)
	}

	if sourceSystem == "" {
		sourceSystem = "local"
	}
	return &LocalProvider{basePath: basePath, sourceSystem: sourceSystem}, nil
}

// Keys lists the partition keys present for a dataset, ascending.
func (p *LocalProvider) Keys(ctx context.Context, dataset string) ([]string, error) {
	dir := filepath.Join(p.basePath, dataset)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read source dir %s: %w", dir, err)
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key, ok := strings.CutPrefix(entry.Name(), "ingest_date=")
		if !ok {
			continue
		}
		if err := tables.ValidateKey(key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Fetch reads the first CSV file in the partition directory.
func (p *LocalProvider) Fetch(ctx context.Context, dataset, partitionKey string) (*Extract, error) {
	dir := filepath.Join(p.basePath, dataset, "ingest_date="+partitionKey)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", dataset, partitionKey, ErrExtractNotFound)
		}
		return nil, fmt.Errorf("read partition dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read extract %s: %w", path, err)
		}

		frame, err := tables.DecodeCSV(data)
		if err != nil {
			return nil, fmt.Errorf("decode extract %s: %w", path, err)
		}

		extractedAt := time.Now().UTC()
		if info, err := entry.Info(); err == nil {
			extractedAt = info.ModTime().UTC()
		}

		return &Extract{
			Dataset:      dataset,
			PartitionKey: partitionKey,
			Frame:        frame,
			Meta: Meta{
				SourceSystem:   p.sourceSystem,
				SourceLocation: path,
				ExtractedAt:    extractedAt,
			},
		}, nil
	}

	return nil, fmt.Errorf("%s/%s: no csv file: %w", dataset, partitionKey, ErrExtractNotFound)
}

// Close is a no-op for local files.
func (p *LocalProvider) Close() error {
	return nil
}
