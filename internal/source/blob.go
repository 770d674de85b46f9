package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// BlobProvider reads extracts from an object store bucket with the same
// layout as the local provider.
type BlobProvider struct {
	bucket       *blob.Bucket
	bucketURL    string
	prefix       string
	sourceSystem string
}

// NewBlobProvider opens the source bucket.
func NewBlobProvider(ctx context.Context, bucketURL, prefix, sourceSystem string) (*BlobProvider, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open source bucket %s: %w", bucketURL, err)
	}

	if sourceSystem == "" {
		sourceSystem = "blob"
	}
	return &BlobProvider{
		bucket:       bucket,
		bucketURL:    bucketURL,
		prefix:       prefix,
		sourceSystem: sourceSystem,
	}, nil
}

// Keys lists partition keys by scanning blob prefixes under the dataset.
func (p *BlobProvider) Keys(ctx context.Context, dataset string) ([]string, error) {
	prefix := p.prefix + dataset + "/ingest_date="
	iter := p.bucket.List(&blob.ListOptions{Prefix: prefix})

	seen := make(map[string]bool)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list source bucket: %w", err)
		}

		rest := strings.TrimPrefix(obj.Key, prefix)
		key, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		if err := tables.ValidateKey(key); err != nil {
			continue
		}
		seen[key] = true
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Fetch reads the first CSV object in the partition prefix.
func (p *BlobProvider) Fetch(ctx context.Context, dataset, partitionKey string) (*Extract, error) {
	prefix := fmt.Sprintf("%s%s/ingest_date=%s/", p.prefix, dataset, partitionKey)
	iter := p.bucket.List(&blob.ListOptions{Prefix: prefix})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list partition prefix %s: %w", prefix, err)
		}
		if !strings.HasSuffix(obj.Key, ".csv") {
			continue
		}

		r, err := p.bucket.NewReader(ctx, obj.Key, nil)
		if err != nil {
			return nil, fmt.Errorf("open extract %s: %w", obj.Key, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("read extract %s: %w", obj.Key, err)
		}

		frame, err := tables.DecodeCSV(data)
		if err != nil {
			return nil, fmt.Errorf("decode extract %s: %w", obj.Key, err)
		}

		extractedAt := obj.ModTime.UTC()
		if extractedAt.IsZero() {
			extractedAt = time.Now().UTC()
		}

		return &Extract{
			Dataset:      dataset,
			PartitionKey: partitionKey,
			Frame:        frame,
			Meta: Meta{
				SourceSystem:   p.sourceSystem,
				SourceLocation: p.bucketURL + "/" + obj.Key,
				ExtractedAt:    extractedAt,
			},
		}, nil
	}

	return nil, fmt.Errorf("%s/%s: no csv object: %w", dataset, partitionKey, ErrExtractNotFound)
}

// Close releases the bucket handle.
func (p *BlobProvider) Close() error {
	return p.bucket.Close()
}
