package loader

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milagros-data/natal-pipeline/internal/tables"
)

//go:embed warehouse.sql
var warehouseSQL string

// PgWarehouse merges gold rows into a postgres mart table. Each merge is a
// single transaction: rows are staged with COPY, then upserted onto the
// mart key, so a partition lands entirely or not at all.
type PgWarehouse struct {
	pool *pgxpool.Pool
}

// NewPgWarehouse connects to the warehouse and ensures the mart table
// exists.
func NewPgWarehouse(ctx context.Context, dsn string) (*PgWarehouse, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	if _, err := pool.Exec(ctx, warehouseSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure warehouse schema: %w", err)
	}
	return &PgWarehouse{pool: pool}, nil
}

var goldColumns = []string{
	"ingest_date", "municipio", "ano",
	"births", "male_births", "female_births",
	"sum_edad_madre", "count_edad_madre", "min_edad_madre", "max_edad_madre",
	"sum_peso_gramos", "count_peso_gramos",
	"generation", "computed_at",
}

const mergeSQL = `
INSERT INTO nacimientos_resumen_gold
SELECT * FROM _staging_resumen_gold
ON CONFLICT (ingest_date, municipio, ano) DO UPDATE SET
    births            = EXCLUDED.births,
    male_births       = EXCLUDED.male_births,
    female_births     = EXCLUDED.female_births,
    sum_edad_madre    = EXCLUDED.sum_edad_madre,
    count_edad_madre  = EXCLUDED.count_edad_madre,
    min_edad_madre    = EXCLUDED.min_edad_madre,
    max_edad_madre    = EXCLUDED.max_edad_madre,
    sum_peso_gramos   = EXCLUDED.sum_peso_gramos,
    count_peso_gramos = EXCLUDED.count_peso_gramos,
    generation        = EXCLUDED.generation,
    computed_at       = EXCLUDED.computed_at`

// Merge applies one partition's rows atomically and returns the postgres
// transaction id.
func (w *PgWarehouse) Merge(ctx context.Context, rows []tables.GoldBirthSummaryRow) (string, int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `CREATE TEMP TABLE _staging_resumen_gold
		(LIKE nacimientos_resumen_gold INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return "", 0, fmt.Errorf("create staging table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"_staging_resumen_gold"},
		goldColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				r.IngestDate, r.Municipio, r.Ano,
				r.Births, r.MaleBirths, r.FemaleBirths,
				r.SumEdadMadre, r.CountEdadMadre, r.MinEdadMadre, r.MaxEdadMadre,
				r.SumPesoGramos, r.CountPesoGramos,
				r.Generation, r.ComputedAt,
			}, nil
		}),
	)
	if err != nil {
		return "", 0, fmt.Errorf("stage gold rows: %w", err)
	}

	tag, err := tx.Exec(ctx, mergeSQL)
	if err != nil {
		return "", 0, fmt.Errorf("merge staged rows: %w", err)
	}

	var txID int64
	if err := tx.QueryRow(ctx, "SELECT txid_current()").Scan(&txID); err != nil {
		return "", 0, fmt.Errorf("read tx id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, fmt.Errorf("commit merge tx: %w", err)
	}
	return strconv.FormatInt(txID, 10), tag.RowsAffected(), nil
}

// Close releases the pool.
func (w *PgWarehouse) Close() error {
	w.pool.Close()
	return nil
}
