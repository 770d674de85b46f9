package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
)

// LocalStore writes partitions to the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

// writeAtomic writes data via a temp file and rename so readers never see a
// partial file.
func (s *LocalStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// WritePayload writes the partition payload to the local filesystem.
func (s *LocalStore) WritePayload(ctx context.Context, ref PartitionRef, data []byte) error {
	return s.writeAtomic(filepath.Join(s.baseDir, ref.Path(s.prefix)), data)
}

// ReadPayload reads the partition payload back.
func (s *LocalStore) ReadPayload(ctx context.Context, ref PartitionRef) ([]byte, error) {
	path := filepath.Join(s.baseDir, ref.Path(s.prefix))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", path, err)
	}
	return data, nil
}

// WriteManifest writes the manifest sidecar, completing the partition.
func (s *LocalStore) WriteManifest(ctx context.Context, ref PartitionRef, manifest *catalog.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.baseDir, ref.ManifestPath(s.prefix)), data)
}

// Exists reports whether a completed partition exists. The manifest is
// written last, so its presence is the completion marker.
func (s *LocalStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	path := filepath.Join(s.baseDir, ref.ManifestPath(s.prefix))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	absPath := filepath.Join(s.baseDir, key)
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}
