// Command natal-pipeline runs one incremental pass of the birth-registry
// medallion pipeline: land new extracts, promote raw→silver→gold, and merge
// gold partitions into the warehouse.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/config"
	"github.com/milagros-data/natal-pipeline/internal/engine"
	"github.com/milagros-data/natal-pipeline/internal/landing"
	"github.com/milagros-data/natal-pipeline/internal/loader"
	"github.com/milagros-data/natal-pipeline/internal/logging"
	"github.com/milagros-data/natal-pipeline/internal/metrics"
	"github.com/milagros-data/natal-pipeline/internal/quality"
	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/source"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/watermark"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "", "path to YAML config file")
		allowOverride = flag.Bool("allow-override", false, "land conflicting re-deliveries as new generations")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("natal-pipeline %s (%s)\n", engine.Version, engine.GitSHA)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting natal-pipeline",
		"version", engine.Version,
		"dataset", cfg.Dataset,
		"catalog", cfg.Catalog.Backend,
		"storage", cfg.Storage.Backend,
	)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	reg := registry.New()
	if err := registry.RegisterBirths(reg); err != nil {
		slog.Error("seed contracts", "error", err)
		return 1
	}

	cat, err := catalog.New(ctx, cfg.Catalog)
	if err != nil {
		slog.Error("open catalog", "error", err)
		return 1
	}
	defer cat.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("open layer storage", "error", err)
		return 1
	}
	defer store.Close()

	src, err := source.New(ctx, cfg.Source)
	if err != nil {
		slog.Error("open extract source", "error", err)
		return 1
	}
	defer src.Close()

	lander, err := landing.New(cat, store, engine.Version)
	if err != nil {
		slog.Error("create lander", "error", err)
		return 1
	}

	var merger *loader.Loader
	if cfg.Warehouse.Enabled {
		wh, err := loader.NewPgWarehouse(ctx, cfg.Warehouse.DSN)
		if err != nil {
			slog.Error("connect warehouse", "error", err)
			return 1
		}
		defer wh.Close()
		merger = loader.New(cat, wh, cfg.Perf.MaxRetries, cfg.Perf.BackoffMs)
	}

	eng := engine.New(engine.Deps{
		Dataset: cfg.Dataset,
		Reg:     reg,
		Cat:     cat,
		Store:   store,
		Src:     src,
		Lander:  lander,
		Gate:    quality.New(cat, cfg.Quality),
		Tracker: watermark.New(cat),
		Loader:  merger,
		Parquet: cfg.Parquet,
		Workers: cfg.Perf.Workers,
		Queue:   cfg.Perf.QueueSize,
	})

	report, err := eng.Run(ctx, engine.Options{AllowOverride: *allowOverride})
	if err != nil {
		slog.Error("run aborted", "error", err)
		return 1
	}

	for _, f := range report.Failures {
		slog.Warn("partition failed",
			"partition_key", f.PartitionKey, "stage", f.Stage, "reason", f.Reason)
	}
	if len(report.Failures) > 0 {
		return 2
	}
	return 0
}
