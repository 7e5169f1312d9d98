// Package pipeline sequences detection, reconciliation, derived-store
// recomputation, aggregation, ranking and invalidation into one run.
//
// Every stage commits durably before the next begins. A run that fails part
// way leaves earlier stages valid, and re-running is safe because detection
// is re-derived from on-disk state each time.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"halong/internal/aggregate"
	"halong/internal/detect"
	"halong/internal/domain"
	"halong/internal/indicator"
	"halong/internal/marker"
	"halong/internal/metrics"
	"halong/internal/ranking"
	"halong/internal/reconcile"
	"halong/internal/registry"
	"halong/internal/store"
)

// Mode selects how far a run goes.
type Mode string

const (
	// ModeDetect reports candidates and writes nothing.
	ModeDetect Mode = "detect"
	// ModeRefresh also replaces raw history for confirmed symbols.
	ModeRefresh Mode = "refresh"
	// ModeRecompute also rebuilds derived stores for refreshed symbols and
	// for symbols whose derived rows lag raw prices, then republishes the
	// aggregates.
	ModeRecompute Mode = "recompute"
	// ModeRebuild skips detection and rebuilds every derived store.
	ModeRebuild Mode = "rebuild"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDetect, ModeRefresh, ModeRecompute, ModeRebuild:
		return m, nil
	case "":
		return ModeRecompute, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) refreshes() bool { return m == ModeRefresh || m == ModeRecompute }

// Options control one run.
type Options struct {
	Mode Mode
	// ForceSymbols bypasses detection and the median test: these symbols
	// are refreshed unconditionally.
	ForceSymbols []string
	// ExtraSymbols are reconciled alongside detected candidates.
	ExtraSymbols []string
	// DryRun computes and reports every decision without writing.
	DryRun bool
}

// Components are the collaborators of an Orchestrator. Registry, Marker,
// Metrics and Ranker are optional.
type Components struct {
	Layout     store.Layout
	Tables     store.Tables
	Universe   *store.Universe
	Detect     detect.Config
	Venues     map[string]float64
	Venue      string // default venue
	Registry   *registry.Registry
	Reconciler *reconcile.Reconciler
	Indicators *indicator.Runner
	Aggregator *aggregate.Aggregator
	Ranker     *ranking.Ranker
	Marker     marker.Marker
	Metrics    *metrics.RunMetrics
	Textfile   string
	PushURL    string
	ReviewPath string
	Logger     *slog.Logger
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	c   Components
	log *slog.Logger
	now func() time.Time
}

// New creates an Orchestrator.
func New(c Components) *Orchestrator {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{c: c, log: log.With("component", "pipeline"), now: time.Now}
}

// Run executes one pipeline run. The returned RunResult is populated as far
// as the run got, even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (domain.RunResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeRecompute
	}
	res := domain.RunResult{
		RunID:   uuid.New().String(),
		Mode:    string(opts.Mode),
		DryRun:  opts.DryRun,
		Started: o.now().UTC(),
	}
	log := o.log.With("run_id", res.RunID, "mode", opts.Mode, "dry_run", opts.DryRun)
	log.Info("run started")

	err := o.run(ctx, log, opts, &res)
	SortSkipped(res.Skipped)
	res.Finished = o.now().UTC()
	o.exportMetrics(ctx, log, res, err)
	if err != nil {
		log.Error("run failed", "error", err, "elapsed", res.Finished.Sub(res.Started))
		return res, err
	}

	log.Info("run complete",
		"candidates", res.Candidates,
		"confirmed", len(res.Confirmed),
		"refreshed", len(res.Refreshed),
		"skipped", len(res.Skipped),
		"aggregate_published", res.AggregatePublished,
		"invalidation_published", res.InvalidationPublished,
		"elapsed", res.Finished.Sub(res.Started),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult) error {
	if !opts.DryRun {
		o.cleanup(log)
	}

	if opts.Mode == ModeRebuild {
		return o.rebuild(ctx, log, opts, res)
	}

	// 1. Detect, unless the caller named the symbols.
	var candidates []domain.SpikeCandidate
	if len(opts.ForceSymbols) == 0 {
		var err error
		candidates, err = o.detect(ctx, log, opts, res)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}
	} else {
		log.Info("detection bypassed", "forced", len(opts.ForceSymbols))
	}
	if !opts.Mode.refreshes() {
		return nil
	}

	// 2. Reconcile and refresh raw prices.
	rec, err := o.c.Reconciler.Reconcile(ctx, reconcile.Request{
		RunID:      res.RunID,
		Candidates: candidates,
		Explicit:   opts.ExtraSymbols,
		Force:      opts.ForceSymbols,
		DryRun:     opts.DryRun,
	})
	res.Confirmed = rec.Confirmed
	res.Refreshed = rec.Refreshed
	res.Skipped = append(res.Skipped, rec.Skipped...)
	if rec.Merge != nil {
		res.Stores = append(res.Stores, storeResult(*rec.Merge))
	}
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if opts.DryRun {
		res.Refreshed = rec.Job.Symbols
	}
	if opts.Mode == ModeRefresh {
		if len(res.Refreshed) > 0 {
			return o.invalidate(ctx, log, opts, res)
		}
		return nil
	}

	// 3. Symbol-scoped derived stores, for the refreshed symbols and any
	// whose raw history has sessions the derived stores have not seen.
	stale, err := o.c.Indicators.Stale(ctx)
	if err != nil {
		return fmt.Errorf("stale check: %w", err)
	}
	res.Stale = stale
	if filter := union(res.Refreshed, stale); len(filter) > 0 {
		if err := o.recompute(ctx, log, opts, res, filter); err != nil {
			return err
		}
	} else {
		log.Info("nothing refreshed or stale, derived stores untouched")
	}

	// 4. Cross-symbol outputs, unconditionally.
	return o.publishAggregates(ctx, log, opts, res)
}

func (o *Orchestrator) rebuild(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult) error {
	if err := o.recompute(ctx, log, opts, res, nil); err != nil {
		return err
	}
	return o.publishAggregates(ctx, log, opts, res)
}

// orphanCleaner is implemented by markers that write temp files, which may
// live outside the data directory.
type orphanCleaner interface {
	CleanupOrphans() ([]string, error)
}

func (o *Orchestrator) cleanup(log *slog.Logger) {
	removed, err := store.CleanupOrphans(o.c.Layout.DataDir)
	if err != nil {
		log.Warn("orphan cleanup failed", "dir", o.c.Layout.DataDir, "error", err)
	}
	if oc, ok := o.c.Marker.(orphanCleaner); ok {
		more, err := oc.CleanupOrphans()
		if err != nil {
			log.Warn("marker orphan cleanup failed", "error", err)
		}
		removed = append(removed, more...)
	}
	if len(removed) > 0 {
		log.Warn("removed orphaned temp files", "files", removed)
	}
}

func (o *Orchestrator) detect(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult) ([]domain.SpikeCandidate, error) {
	var index detect.Lookuper
	if o.c.Registry != nil {
		ix, err := o.c.Registry.LoadVerified(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading registry: %w", err)
		}
		index = ix
	}

	recs, err := o.c.Tables.Prices.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading prices: %w", err)
	}
	series := domain.GroupBars(store.BarsFromPrices(recs))

	var venues detect.VenueMap
	if o.c.Universe != nil {
		venues = o.c.Universe
	}
	d := detect.New(o.c.Detect, o.c.Venues, o.c.Venue, index, o.log)
	candidates, err := d.ScanAll(ctx, series, venues)
	if err != nil {
		return nil, err
	}

	var unknown []domain.SpikeCandidate
	for _, c := range candidates {
		if c.Classification == domain.ClassUnknown {
			unknown = append(unknown, c)
		}
	}
	res.Candidates = len(candidates)
	res.CandidateSymbols = domain.CandidateSymbols(candidates)
	res.Unknown = len(unknown)
	log.Info("detection complete",
		"symbols", len(series),
		"candidates", len(candidates),
		"corroborated_symbols", len(res.CandidateSymbols),
		"unknown", len(unknown),
	)

	if len(unknown) > 0 && o.c.ReviewPath != "" && !opts.DryRun {
		if err := registry.ExportReview(o.c.ReviewPath, unknown); err != nil {
			log.Warn("exporting review workbook failed", "path", o.c.ReviewPath, "error", err)
		} else {
			log.Info("review workbook written", "path", o.c.ReviewPath, "rows", len(unknown))
		}
	}
	return candidates, nil
}

func (o *Orchestrator) recompute(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult, filter []string) error {
	var rep indicator.Report
	var err error
	if opts.DryRun {
		rep, err = o.c.Indicators.Plan(ctx, filter)
	} else {
		rep, err = o.c.Indicators.Recompute(ctx, filter)
	}
	res.Stores = append(res.Stores, rep.Stores()...)
	res.Skipped = append(res.Skipped, rep.Skipped...)
	if err != nil {
		return fmt.Errorf("recompute: %w", err)
	}
	log.Info("derived stores recomputed", "symbols", len(filter), "full", len(filter) == 0, "skipped", len(rep.Skipped))
	return nil
}

func (o *Orchestrator) publishAggregates(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult) error {
	var m store.MergeResult
	var err error
	if opts.DryRun {
		m, err = o.c.Aggregator.Plan(ctx)
	} else {
		m, err = o.c.Aggregator.Publish(ctx)
	}
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	res.Stores = append(res.Stores, storeResult(m))
	res.AggregatePublished = !opts.DryRun

	if o.c.Ranker != nil {
		var rr ranking.Result
		if opts.DryRun {
			rr, err = o.c.Ranker.Plan(ctx)
		} else {
			rr, err = o.c.Ranker.Rank(ctx)
		}
		if err != nil {
			return fmt.Errorf("ranking: %w", err)
		}
		res.GatePassed = rr.Gate.Passed
		res.RankingPublished = !opts.DryRun
		res.Stores = append(res.Stores, storeResult(rr.Merge))
		if !rr.Gate.Passed {
			log.Warn("ranking gate failed, penalty disabled", "violations", len(rr.Gate.Violations))
		}
	}

	return o.invalidate(ctx, log, opts, res)
}

func (o *Orchestrator) invalidate(ctx context.Context, log *slog.Logger, opts Options, res *domain.RunResult) error {
	if o.c.Marker == nil || opts.DryRun {
		return nil
	}
	if err := o.c.Marker.Publish(ctx); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	res.InvalidationPublished = true
	log.Info("invalidation published")
	return nil
}

func (o *Orchestrator) exportMetrics(ctx context.Context, log *slog.Logger, res domain.RunResult, runErr error) {
	if o.c.Metrics == nil || res.DryRun {
		return
	}
	o.c.Metrics.Record(res, runErr)
	if o.c.Textfile != "" {
		if err := o.c.Metrics.WriteTextfile(o.c.Textfile); err != nil {
			log.Warn("metrics textfile failed", "error", err)
		}
	}
	if o.c.PushURL != "" {
		if err := o.c.Metrics.Push(ctx, o.c.PushURL); err != nil {
			log.Warn("metrics push failed", "error", err)
		}
	}
}

func storeResult(m store.MergeResult) domain.StoreResult {
	return domain.StoreResult{
		Store:       m.Table,
		RowsBefore:  m.Before,
		RowsAfter:   m.After,
		SymbolsHit:  len(m.Replaced),
		FullPublish: m.Full,
	}
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SortSkipped orders skipped symbols by symbol then reason.
func SortSkipped(s []domain.SkippedSymbol) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Symbol != s[j].Symbol {
			return s[i].Symbol < s[j].Symbol
		}
		return s[i].Reason < s[j].Reason
	})
}
