// Package metrics exposes prometheus instrumentation for pipeline runs.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PartitionsPromoted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_partitions_promoted_total",
		Help: "Partitions promoted across a layer transition.",
	}, []string{"dataset", "transition"})

	PartitionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_partitions_skipped_total",
		Help: "Partitions skipped as already done (duplicate landings, merged loads).",
	}, []string{"dataset", "transition"})

	PartitionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_partitions_failed_total",
		Help: "Partitions that failed a transition, by failure class.",
	}, []string{"dataset", "transition", "reason"})

	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_rows_processed_total",
		Help: "Rows written per layer.",
	}, []string{"dataset", "layer"})

	QualityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_quality_violations_total",
		Help: "Individual rule violations recorded by the quality gate.",
	}, []string{"dataset", "layer"})

	MergeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natal_pipeline_merge_retries_total",
		Help: "Warehouse merge attempts beyond the first.",
	}, []string{"dataset"})

	WatermarkDate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "natal_pipeline_watermark_date_seconds",
		Help: "Watermark partition key as a unix timestamp.",
	}, []string{"dataset", "transition"})

	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "natal_pipeline_transition_duration_seconds",
		Help:    "Per-partition transition latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"dataset", "transition"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "natal_pipeline_run_duration_seconds",
		Help:    "End-to-end run latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"dataset"})
)

// Serve exposes /metrics until the context is canceled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
