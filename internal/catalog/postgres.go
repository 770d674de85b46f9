package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Catalog on PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool

	// Advisory run locks are session-scoped, so each held lock pins the
	// connection it was taken on until release.
	lockMu    sync.Mutex
	lockConns map[string]*pgxpool.Conn
}

// NewPostgres connects to the catalog database and ensures the _meta_*
// tables exist.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Postgres{pool: pool, lockConns: make(map[string]*pgxpool.Conn)}, nil
}

// AcquireRunLock blocks on a per-dataset advisory lock so concurrent runs
// sharing this catalog are serialized across processes.
func (p *Postgres) AcquireRunLock(ctx context.Context, dataset string) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, dataset); err != nil {
		conn.Release()
		return fmt.Errorf("acquire run lock for %s: %w", dataset, err)
	}
	p.lockMu.Lock()
	p.lockConns[dataset] = conn
	p.lockMu.Unlock()
	return nil
}

func (p *Postgres) ReleaseRunLock(ctx context.Context, dataset string) error {
	p.lockMu.Lock()
	conn := p.lockConns[dataset]
	delete(p.lockConns, dataset)
	p.lockMu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, dataset); err != nil {
		return fmt.Errorf("release run lock for %s: %w", dataset, err)
	}
	return nil
}

func (p *Postgres) PutManifest(ctx context.Context, m Manifest) error {
	query := `
		INSERT INTO _meta_manifests (
			dataset, layer, partition_key, generation, row_count, byte_size,
			checksum, schema_fingerprint, prev_checksum, storage_path,
			source_system, source_location, extracted_at, producer_version, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (dataset, layer, partition_key, generation)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			schema_fingerprint = EXCLUDED.schema_fingerprint,
			prev_checksum = EXCLUDED.prev_checksum,
			storage_path = EXCLUDED.storage_path,
			created_at = NOW()
	`

	var prevChecksum, sourceSystem, sourceLocation *string
	if m.PrevChecksum != "" {
		prevChecksum = &m.PrevChecksum
	}
	if m.SourceSystem != "" {
		sourceSystem = &m.SourceSystem
	}
	if m.SourceLocation != "" {
		sourceLocation = &m.SourceLocation
	}
	var extractedAt *time.Time
	if !m.ExtractedAt.IsZero() {
		extractedAt = &m.ExtractedAt
	}

	_, err := p.pool.Exec(ctx, query,
		m.Dataset, string(m.Layer), m.PartitionKey, m.Generation,
		m.RowCount, m.ByteSize, m.Checksum, m.SchemaFingerprint,
		prevChecksum, m.StoragePath, sourceSystem, sourceLocation,
		extractedAt, m.ProducerVersion, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	return nil
}

const manifestColumns = `
	dataset, layer, partition_key, generation, row_count, byte_size,
	checksum, schema_fingerprint, COALESCE(prev_checksum, ''), storage_path,
	COALESCE(source_system, ''), COALESCE(source_location, ''),
	COALESCE(extracted_at, 'epoch'::timestamptz), producer_version, created_at
`

func scanManifest(row pgx.Row) (*Manifest, error) {
	var m Manifest
	var layer string
	err := row.Scan(
		&m.Dataset, &layer, &m.PartitionKey, &m.Generation,
		&m.RowCount, &m.ByteSize, &m.Checksum, &m.SchemaFingerprint,
		&m.PrevChecksum, &m.StoragePath, &m.SourceSystem, &m.SourceLocation,
		&m.ExtractedAt, &m.ProducerVersion, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Layer = tables.Layer(layer)
	return &m, nil
}

func (p *Postgres) GetManifest(ctx context.Context, dataset string, layer tables.Layer, key string, generation int64) (*Manifest, error) {
	query := `SELECT ` + manifestColumns + `
		FROM _meta_manifests
		WHERE dataset = $1 AND layer = $2 AND partition_key = $3 AND generation = $4`

	m, err := scanManifest(p.pool.QueryRow(ctx, query, dataset, string(layer), key, generation))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return m, nil
}

func (p *Postgres) LatestManifest(ctx context.Context, dataset string, layer tables.Layer, key string) (*Manifest, error) {
	query := `SELECT ` + manifestColumns + `
		FROM _meta_manifests
		WHERE dataset = $1 AND layer = $2 AND partition_key = $3
		ORDER BY generation DESC
		LIMIT 1`

	m, err := scanManifest(p.pool.QueryRow(ctx, query, dataset, string(layer), key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest manifest: %w", err)
	}
	return m, nil
}

func (p *Postgres) ListLatestManifests(ctx context.Context, dataset string, layer tables.Layer) ([]Manifest, error) {
	query := `SELECT DISTINCT ON (partition_key) ` + manifestColumns + `
		FROM _meta_manifests
		WHERE dataset = $1 AND layer = $2
		ORDER BY partition_key ASC, generation DESC`

	rows, err := p.pool.Query(ctx, query, dataset, string(layer))
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *Postgres) NextGeneration(ctx context.Context, dataset string, layer tables.Layer, key string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(generation), 0) + 1
		FROM _meta_manifests
		WHERE dataset = $1 AND layer = $2 AND partition_key = $3`

	var gen int64
	if err := p.pool.QueryRow(ctx, query, dataset, string(layer), key).Scan(&gen); err != nil {
		return 0, fmt.Errorf("next generation: %w", err)
	}
	return gen, nil
}

func (p *Postgres) PutQuality(ctx context.Context, rec QualityRecord) error {
	query := `
		INSERT INTO _meta_quality (dataset, layer, partition_key, generation, passed, violations, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dataset, layer, partition_key, generation)
		DO UPDATE SET
			passed = EXCLUDED.passed,
			violations = EXCLUDED.violations,
			warnings = EXCLUDED.warnings,
			created_at = NOW()
	`

	var violations, warnings *string
	if len(rec.Violations) > 0 {
		joined := strings.Join(rec.Violations, "; ")
		violations = &joined
	}
	if len(rec.Warnings) > 0 {
		joined := strings.Join(rec.Warnings, "; ")
		warnings = &joined
	}

	_, err := p.pool.Exec(ctx, query,
		rec.Dataset, string(rec.Layer), rec.PartitionKey, rec.Generation,
		rec.Passed, violations, warnings,
	)
	if err != nil {
		return fmt.Errorf("put quality: %w", err)
	}
	return nil
}

func (p *Postgres) TrailingRowCounts(ctx context.Context, dataset string, layer tables.Layer, excludeKey string, limit int) ([]int64, error) {
	query := `
		SELECT DISTINCT ON (partition_key) partition_key, row_count
		FROM _meta_manifests
		WHERE dataset = $1 AND layer = $2 AND partition_key <> $3
		ORDER BY partition_key DESC, generation DESC
		LIMIT $4`

	rows, err := p.pool.Query(ctx, query, dataset, string(layer), excludeKey, limit)
	if err != nil {
		return nil, fmt.Errorf("trailing row counts: %w", err)
	}
	defer rows.Close()

	var counts []int64
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan row count: %w", err)
		}
		counts = append(counts, count)
	}
	return counts, rows.Err()
}

func (p *Postgres) GetWatermark(ctx context.Context, dataset string, transition tables.Transition) (*Watermark, error) {
	query := `
		SELECT partition_key, generation, updated_at
		FROM _meta_watermarks
		WHERE dataset = $1 AND transition = $2`

	wm := Watermark{Dataset: dataset, Transition: transition}
	err := p.pool.QueryRow(ctx, query, dataset, string(transition)).Scan(&wm.Key, &wm.Generation, &wm.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	return &wm, nil
}

func (p *Postgres) SetWatermark(ctx context.Context, wm Watermark) error {
	query := `
		INSERT INTO _meta_watermarks (dataset, transition, partition_key, generation, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (dataset, transition)
		DO UPDATE SET
			partition_key = EXCLUDED.partition_key,
			generation = EXCLUDED.generation,
			updated_at = NOW()
	`

	if _, err := p.pool.Exec(ctx, query, wm.Dataset, string(wm.Transition), wm.Key, wm.Generation); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (p *Postgres) AppendAudit(ctx context.Context, e AuditEntry) error {
	query := `
		INSERT INTO _meta_backfill_audit (dataset, transition, partition_key, generation, reason)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := p.pool.Exec(ctx, query, e.Dataset, string(e.Transition), e.PartitionKey, e.Generation, e.Reason); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Postgres) GetLoadRecord(ctx context.Context, dataset, key string, generation int64) (*LoadRecord, error) {
	query := `
		SELECT checksum, merged, warehouse_tx_id, rows_merged, merged_at
		FROM _meta_load_records
		WHERE dataset = $1 AND partition_key = $2 AND generation = $3`

	rec := LoadRecord{Dataset: dataset, PartitionKey: key, Generation: generation}
	err := p.pool.QueryRow(ctx, query, dataset, key, generation).Scan(
		&rec.Checksum, &rec.Merged, &rec.WarehouseTxID, &rec.RowsMerged, &rec.MergedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get load record: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) PutLoadRecord(ctx context.Context, rec LoadRecord) error {
	query := `
		INSERT INTO _meta_load_records (
			dataset, partition_key, generation, checksum, merged,
			warehouse_tx_id, rows_merged, merged_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dataset, partition_key, generation)
		DO UPDATE SET
			checksum = EXCLUDED.checksum,
			merged = EXCLUDED.merged,
			warehouse_tx_id = EXCLUDED.warehouse_tx_id,
			rows_merged = EXCLUDED.rows_merged,
			merged_at = EXCLUDED.merged_at
	`

	_, err := p.pool.Exec(ctx, query,
		rec.Dataset, rec.PartitionKey, rec.Generation, rec.Checksum,
		rec.Merged, rec.WarehouseTxID, rec.RowsMerged, rec.MergedAt,
	)
	if err != nil {
		return fmt.Errorf("put load record: %w", err)
	}
	return nil
}

// Close releases database connections, dropping any still-held run locks
// with their sessions.
func (p *Postgres) Close() error {
	p.lockMu.Lock()
	for dataset, conn := range p.lockConns {
		conn.Release()
		delete(p.lockConns, dataset)
	}
	p.lockMu.Unlock()
	p.pool.Close()
	return nil
}
