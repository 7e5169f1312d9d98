package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"halong/internal/aggregate"
	"halong/internal/config"
	"halong/internal/detect"
	"halong/internal/gather"
	"halong/internal/indicator"
	"halong/internal/marker"
	"halong/internal/metrics"
	"halong/internal/ranking"
	"halong/internal/reconcile"
	"halong/internal/registry"
	"halong/internal/source"
	"halong/internal/store"
)

// App is the fully wired pipeline built from a Config.
type App struct {
	Config       *config.Config
	Layout       store.Layout
	Tables       store.Tables
	Universe     *store.Universe
	Source       *source.Guarded
	Registry     *registry.Registry
	Marker       marker.Marker
	Gatherer     *gather.DailyBarGatherer
	Orchestrator *Orchestrator
}

// Build wires every component from cfg.
func Build(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	layout := store.NewLayout(cfg.Storage.DataDir)
	tables := layout.Open()

	universe, err := store.LoadUniverse(cfg.Universe.Path, cfg.Universe.DefaultVenue)
	if err != nil {
		return nil, fmt.Errorf("loading universe: %w", err)
	}

	src, err := source.New(cfg.Source, log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Storage.RegistryDriver, cfg.Storage.RegistryDSN)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	mk, err := marker.New(cfg.Marker)
	if err != nil {
		reg.Close()
		return nil, err
	}

	rcfg, err := reconcile.FromConfig(cfg)
	if err != nil {
		reg.Close()
		return nil, err
	}

	orch := New(Components{
		Layout:     layout,
		Tables:     tables,
		Universe:   universe,
		Detect:     detect.FromConfig(cfg.Detect),
		Venues:     cfg.Venues,
		Venue:      cfg.Universe.DefaultVenue,
		Registry:   reg,
		Reconciler: reconcile.New(rcfg, src, tables.Prices, layout.Backups(), reg, log),
		Indicators: indicator.NewRunner(tables.Prices, indicator.Default(tables), log),
		Aggregator: aggregate.New(tables, universe, log),
		Ranker:     ranking.New(ranking.FromConfig(cfg.Ranking), tables, universe, log),
		Marker:     mk,
		Metrics:    metrics.New(),
		Textfile:   cfg.Metrics.Textfile,
		PushURL:    cfg.Metrics.PushURL,
		ReviewPath: cfg.Review.Path,
		Logger:     log,
	})

	gatherer := gather.NewDailyBarGatherer(src, tables.Prices, universe, gather.Options{
		HistoryStart: rcfg.HistoryStart,
		ProgressDir:  filepath.Join(layout.Progress(), "daily"),
		Invalidator:  mk,
		Logger:       log,
	})

	return &App{
		Config:       cfg,
		Layout:       layout,
		Tables:       tables,
		Universe:     universe,
		Source:       src,
		Registry:     reg,
		Marker:       mk,
		Gatherer:     gatherer,
		Orchestrator: orch,
	}, nil
}

// Ingest appends the latest session's bars.
func (a *App) Ingest(ctx context.Context) (gather.Result, error) {
	return a.Gatherer.Ingest(ctx)
}

// Close releases the registry and marker connections.
func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if c, ok := a.Marker.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
