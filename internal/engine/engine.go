// Package engine orchestrates pipeline runs: landing new extracts, then
// promoting partitions raw→silver→gold→warehouse with per-partition failure
// isolation and key-ordered watermark commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/landing"
	"github.com/milagros-data/natal-pipeline/internal/loader"
	"github.com/milagros-data/natal-pipeline/internal/logging"
	"github.com/milagros-data/natal-pipeline/internal/metrics"
	"github.com/milagros-data/natal-pipeline/internal/quality"
	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/source"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/tables"
	"github.com/milagros-data/natal-pipeline/internal/transform"
	"github.com/milagros-data/natal-pipeline/internal/watermark"
)

// Options are per-run switches.
type Options struct {
	// AllowOverride lands conflicting re-deliveries as new generations
	// instead of failing them.
	AllowOverride bool
}

// Failure describes one partition that did not complete a stage. The run
// itself continues; the partition is retried on the next run.
type Failure struct {
	PartitionKey string
	Stage        string
	Reason       string
}

// Report summarizes one run.
type Report struct {
	Dataset           string
	Landed            int
	DuplicateLandings int
	Promoted          map[tables.Transition]int
	QualityViolations int
	Failures          []Failure
	Elapsed           time.Duration
}

// Engine wires the pipeline stages together.
type Engine struct {
	dataset string
	reg     *registry.Registry
	cat     catalog.Catalog
	store   storage.LayerStore
	src     source.Provider
	lander  *landing.Lander
	gate    *quality.Gate
	tracker *watermark.Tracker
	loader  *loader.Loader // nil disables the warehouse transition
	parquet tables.ParquetConfig
	workers int
	queue   int
	log     *slog.Logger
}

// Deps are the collaborators an Engine runs with.
type Deps struct {
	Dataset string
	Reg     *registry.Registry
	Cat     catalog.Catalog
	Store   storage.LayerStore
	Src     source.Provider
	Lander  *landing.Lander
	Gate    *quality.Gate
	Tracker *watermark.Tracker
	Loader  *loader.Loader
	Parquet tables.ParquetConfig
	Workers int
	Queue   int
}

// New creates an Engine.
func New(d Deps) *Engine {
	if d.Workers < 1 {
		d.Workers = 1
	}
	if d.Queue < 1 {
		d.Queue = 16
	}
	return &Engine{
		dataset: d.Dataset,
		reg:     d.Reg,
		cat:     d.Cat,
		store:   d.Store,
		src:     d.Src,
		lander:  d.Lander,
		gate:    d.Gate,
		tracker: d.Tracker,
		loader:  d.Loader,
		parquet: d.Parquet,
		workers: d.Workers,
		queue:   d.Queue,
		log:     logging.Component("engine"),
	}
}

// Run executes one full pipeline pass. Partition-level failures (quality,
// contract, merge, conflicting re-delivery) are isolated into the report;
// infrastructure failures abort the run with an error.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	report := &Report{
		Dataset:  e.dataset,
		Promoted: make(map[tables.Transition]int),
	}

	e.log.Info("run started", "correlation_id", logging.CorrelationID(ctx), "dataset", e.dataset)

	// Runs against the same dataset are serialized through the catalog so
	// generation allocation and watermark updates never interleave across
	// processes.
	if err := e.cat.AcquireRunLock(ctx, e.dataset); err != nil {
		return report, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := e.cat.ReleaseRunLock(context.Background(), e.dataset); err != nil {
			e.log.Warn("release run lock", "dataset", e.dataset, "error", err)
		}
	}()

	if err := e.ingest(ctx, opts, report); err != nil {
		return report, err
	}

	transitions := []struct {
		tr tables.Transition
		fn func(context.Context, watermark.Pending) (int64, error)
	}{
		{tables.RawToSilver, e.promoteRawToSilver},
		{tables.SilverToGold, e.promoteSilverToGold},
	}
	if e.loader != nil {
		transitions = append(transitions, struct {
			tr tables.Transition
			fn func(context.Context, watermark.Pending) (int64, error)
		}{tables.GoldToWarehouse, e.mergeGold})
	}

	for _, t := range transitions {
		if err := e.runTransition(ctx, t.tr, t.fn, report); err != nil {
			return report, err
		}
		e.publishWatermark(ctx, t.tr)
	}

	report.Elapsed = time.Since(start)
	metrics.RunDuration.WithLabelValues(e.dataset).Observe(report.Elapsed.Seconds())
	e.log.Info("run finished",
		"dataset", e.dataset,
		"landed", report.Landed,
		"promoted_raw_to_silver", report.Promoted[tables.RawToSilver],
		"promoted_silver_to_gold", report.Promoted[tables.SilverToGold],
		"merged", report.Promoted[tables.GoldToWarehouse],
		"failures", len(report.Failures),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// ingest lands every extract the source offers. Duplicate deliveries are
// counted and skipped; conflicting ones fail the partition unless the run
// allows overrides.
func (e *Engine) ingest(ctx context.Context, opts Options, report *Report) error {
	keys, err := e.src.Keys(ctx, e.dataset)
	if err != nil {
		return fmt.Errorf("list source keys: %w", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		extract, err := e.src.Fetch(ctx, e.dataset, key)
		if err != nil {
			if errors.Is(err, source.ErrExtractNotFound) {
				continue
			}
			return fmt.Errorf("fetch extract %s: %w", key, err)
		}

		m, err := e.lander.Land(ctx, extract, landing.Options{AllowOverride: opts.AllowOverride})
		switch {
		case errors.Is(err, landing.ErrDuplicateIngestion):
			report.DuplicateLandings++
			metrics.PartitionsSkipped.WithLabelValues(e.dataset, "ingest").Inc()
		case errors.Is(err, landing.ErrConflictingIngestion):
			report.Failures = append(report.Failures, Failure{
				PartitionKey: key, Stage: "ingest", Reason: err.Error(),
			})
			metrics.PartitionsFailed.WithLabelValues(e.dataset, "ingest", "conflict").Inc()
		case err != nil:
			return fmt.Errorf("land extract %s: %w", key, err)
		default:
			report.Landed++
			metrics.RowsProcessed.WithLabelValues(e.dataset, string(tables.LayerRaw)).Add(float64(m.RowCount))
		}
	}
	return nil
}

type job struct {
	seq  int
	pend watermark.Pending
}

type result struct {
	seq  int
	pend watermark.Pending
	rows int64
	err  error
}

// runTransition promotes every pending partition across one transition with
// a worker pool. Results are committed strictly in key order so the
// watermark is advanced in order; a failed partition is reported and the
// run moves on, leaving the partition pending for the next run.
func (e *Engine) runTransition(ctx context.Context, tr tables.Transition, fn func(context.Context, watermark.Pending) (int64, error), report *Report) error {
	pending, err := e.tracker.Pending(ctx, e.dataset, tr)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	e.log.Info("transition started", "transition", tr, "pending", len(pending))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job, e.queue)
	results := make(chan result, e.queue)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := logging.WorkerLogger(workerID)
			for j := range jobs {
				begin := time.Now()
				rows, err := fn(runCtx, j.pend)
				metrics.TransitionDuration.WithLabelValues(e.dataset, string(tr)).Observe(time.Since(begin).Seconds())
				if err != nil {
					wlog.Debug("partition did not complete",
						"transition", tr, "partition_key", j.pend.PartitionKey, "error", err)
				}
				select {
				case results <- result{seq: j.seq, pend: j.pend, rows: rows, err: err}:
				case <-runCtx.Done():
					return
				}
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for seq, p := range pending {
			select {
			case jobs <- job{seq: seq, pend: p}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Sequencer: buffer out-of-order results and commit in key order.
	buffered := make(map[int]result, len(pending))
	next := 0
	var infraErr error
	for r := range results {
		buffered[r.seq] = r
		for {
			cur, ok := buffered[next]
			if !ok {
				break
			}
			delete(buffered, next)
			next++

			if infraErr != nil {
				continue // draining after abort
			}
			if err := e.commit(ctx, tr, cur, report); err != nil {
				infraErr = err
				cancel()
			}
		}
	}
	if infraErr != nil {
		return infraErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// commit finalizes one partition's outcome: advance the watermark on
// success, record the failure on a partition-level error, abort on anything
// else.
func (e *Engine) commit(ctx context.Context, tr tables.Transition, r result, report *Report) error {
	if r.err != nil {
		reason, violations, ok := classify(r.err)
		if !ok {
			return r.err
		}
		report.Failures = append(report.Failures, Failure{
			PartitionKey: r.pend.PartitionKey,
			Stage:        string(tr),
			Reason:       r.err.Error(),
		})
		report.QualityViolations += violations
		metrics.PartitionsFailed.WithLabelValues(e.dataset, string(tr), reason).Inc()
		return nil
	}

	reason := ""
	if r.pend.Backfill {
		reason = "re-promotion of superseded partition"
	}
	if err := e.tracker.Advance(ctx, e.dataset, tr, r.pend.PartitionKey, r.pend.Generation, reason); err != nil {
		return err
	}

	report.Promoted[tr]++
	metrics.PartitionsPromoted.WithLabelValues(e.dataset, string(tr)).Inc()
	metrics.RowsProcessed.WithLabelValues(e.dataset, string(tr.Target())).Add(float64(r.rows))
	return nil
}

// classify splits partition-level failures from infrastructure errors.
// Quality, contract, and merge failures isolate the partition; everything
// else aborts the run.
func classify(err error) (reason string, qualityViolations int, partitionLevel bool) {
	var gf *quality.GateFailure
	if errors.As(err, &gf) {
		return "quality", len(gf.Violations), true
	}
	var cv *transform.ContractViolationError
	if errors.As(err, &cv) {
		return "contract", 0, true
	}
	var mf *loader.MergeFailure
	if errors.As(err, &mf) {
		return "merge", 0, true
	}
	return "", 0, false
}

// publishWatermark refreshes the watermark gauge after a transition.
func (e *Engine) publishWatermark(ctx context.Context, tr tables.Transition) {
	wm, err := e.tracker.Current(ctx, e.dataset, tr)
	if err != nil || wm == nil {
		return
	}
	if t, err := time.Parse(tables.KeyLayout, wm.Key); err == nil {
		metrics.WatermarkDate.WithLabelValues(e.dataset, string(tr)).Set(float64(t.Unix()))
	}
}
