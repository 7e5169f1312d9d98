// Package reconcile compares stored price history against the upstream
// source and refreshes the full history of symbols whose stored adjustment
// has drifted.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"halong/internal/config"
	"halong/internal/domain"
	"halong/internal/source"
	"halong/internal/store"
	"halong/internal/util"
)

// Config holds reconciler tunables.
type Config struct {
	Window       int     // sessions fetched for the comparison
	Threshold    float64 // median relative close difference that confirms drift
	MinOverlap   int     // overlapping sessions required for a decision
	HistoryStart time.Time
	KeepBackups  int
	Lookback     int // passed through to the refresh job
}

// FromConfig maps the application config onto reconciler settings.
func FromConfig(c *config.Config) (Config, error) {
	start, err := time.Parse(domain.DateLayout, c.Universe.HistoryStart)
	if err != nil {
		return Config{}, fmt.Errorf("parsing history_start: %w", err)
	}
	return Config{
		Window:       c.Reconcile.WindowSessions,
		Threshold:    c.Reconcile.Threshold,
		MinOverlap:   c.Reconcile.MinOverlap,
		HistoryStart: start,
		KeepBackups:  c.Storage.KeepBackups,
		Lookback:     c.Detect.LookbackSessions,
	}, nil
}

// Promoter records confirmed corporate actions. *registry.Registry
// implements it.
type Promoter interface {
	Promote(ctx context.Context, c domain.SpikeCandidate, source string) (bool, error)
}

// Reconciler decides which symbols need a full-history refresh and performs
// the refresh as one atomic merge on the raw price table.
type Reconciler struct {
	cfg       Config
	src       source.Source
	prices    *store.Table[store.PriceRecord]
	backupDir string
	promoter  Promoter
	cal       *util.TradingCalendar
	now       func() time.Time
	log       *slog.Logger
}

// New creates a Reconciler. promoter may be nil.
func New(cfg Config, src source.Source, prices *store.Table[store.PriceRecord], backupDir string, promoter Promoter, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:       cfg,
		src:       src,
		prices:    prices,
		backupDir: backupDir,
		promoter:  promoter,
		cal:       util.NewTradingCalendar(),
		now:       time.Now,
		log:       log.With("component", "reconcile"),
	}
}

// Request is one reconciliation pass.
type Request struct {
	RunID      string
	Candidates []domain.SpikeCandidate // only corroborated ones are reconciled
	Explicit   []string                // reconciled like candidates
	Force      []string                // refreshed without the median test
	DryRun     bool
}

// Decision is the outcome of the median test for one symbol.
type Decision struct {
	Symbol    string            `json:"symbol"`
	Median    float64           `json:"median_diff"`
	Overlap   int               `json:"overlap"`
	Confirmed bool              `json:"confirmed"`
	Forced    bool              `json:"forced,omitempty"`
	Reason    domain.SkipReason `json:"reason,omitempty"`
}

// Result reports a reconciliation pass.
type Result struct {
	Decisions  []Decision
	Confirmed  []string
	Refreshed  []string
	Skipped    []domain.SkippedSymbol
	Merge      *store.MergeResult
	BackupPath string
	Promoted   int
	Job        domain.RefreshJob
}

// Reconcile runs the median test over the candidate symbols, then backs up
// the raw table and replaces the full history of every confirmed symbol.
// Symbols whose fetch fails are skipped and left as they were.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (Result, error) {
	var res Result

	forced := uniqueSorted(req.Force)
	forcedSet := make(map[string]struct{}, len(forced))
	for _, s := range forced {
		forcedSet[s] = struct{}{}
	}
	var check []string
	for _, s := range uniqueSorted(append(domain.CandidateSymbols(req.Candidates), req.Explicit...)) {
		if _, ok := forcedSet[s]; !ok {
			check = append(check, s)
		}
	}

	stored, err := r.prices.ReadSymbols(ctx, check)
	if err != nil {
		return res, fmt.Errorf("reading stored prices: %w", err)
	}
	storedBy := store.GroupRows(stored)

	// 1. Median test.
	for _, sym := range check {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, detail := r.test(ctx, sym, storedBy[sym])
		res.Decisions = append(res.Decisions, d)
		switch {
		case d.Confirmed:
			res.Confirmed = append(res.Confirmed, sym)
		case d.Reason == domain.SkipFetchFailed || d.Reason == domain.SkipInsufficientOverlap:
			r.log.Warn("reconciliation skipped", "symbol", sym, "reason", d.Reason, "detail", detail)
			res.Skipped = append(res.Skipped, domain.SkippedSymbol{Symbol: sym, Reason: d.Reason, Detail: detail})
		}
	}
	for _, sym := range forced {
		res.Decisions = append(res.Decisions, Decision{Symbol: sym, Confirmed: true, Forced: true})
		res.Confirmed = append(res.Confirmed, sym)
	}
	sort.Strings(res.Confirmed)

	r.log.Info("reconciliation decided",
		"checked", len(check), "forced", len(forced), "confirmed", len(res.Confirmed), "skipped", len(res.Skipped))

	if req.DryRun {
		// Report what would be refreshed.
		res.Job = domain.RefreshJob{Symbols: res.Confirmed, LookbackSessions: r.cfg.Lookback}
		return res, nil
	}
	if len(res.Confirmed) == 0 {
		return res, nil
	}

	// 2. Backup before anything destructive.
	res.BackupPath, err = store.Backup(r.prices.Path(), r.backupDir, req.RunID)
	if err != nil {
		return res, fmt.Errorf("backing up prices: %w", err)
	}
	if res.BackupPath != "" {
		r.log.Info("prices backed up", "path", res.BackupPath)
		if _, err := store.PruneBackups(r.backupDir, filepath.Base(r.prices.Path()), r.cfg.KeepBackups); err != nil {
			r.log.Warn("pruning backups failed", "error", err)
		}
	}

	// 3. Full-history fetch.
	end := domain.SessionDate(r.now().UTC())
	var rows []store.PriceRecord
	for _, sym := range res.Confirmed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		bars, err := r.src.FetchBars(ctx, sym, r.cfg.HistoryStart, end)
		if err == nil && len(bars) == 0 {
			err = source.ErrNoData
		}
		if err != nil {
			r.log.Warn("full-history fetch failed", "symbol", sym, "reason", domain.SkipFetchFailed, "error", err)
			res.Skipped = append(res.Skipped, domain.SkippedSymbol{Symbol: sym, Reason: domain.SkipFetchFailed, Detail: err.Error()})
			continue
		}
		for _, b := range dedupe(bars) {
			b.Symbol = sym
			rows = append(rows, store.PriceFromBar(b))
		}
		res.Refreshed = append(res.Refreshed, sym)
	}
	if len(res.Refreshed) == 0 {
		return res, nil
	}

	// 4. One merge for every fetched symbol.
	mr, err := r.prices.Merge(ctx, res.Refreshed, rows)
	if err != nil {
		return res, fmt.Errorf("refreshing prices: %w", err)
	}
	if err := r.prices.VerifyMerge(ctx, mr); err != nil {
		return res, err
	}
	res.Merge = &mr
	r.log.Info("prices refreshed", "symbols", len(res.Refreshed), "rows_before", mr.Before, "rows_after", mr.After)

	// 5. Record what was confirmed.
	if r.promoter != nil {
		refreshed := make(map[string]struct{}, len(res.Refreshed))
		for _, s := range res.Refreshed {
			refreshed[s] = struct{}{}
		}
		for _, c := range req.Candidates {
			if _, ok := refreshed[c.Symbol]; !ok || !c.Corroborated || c.FromRegistry {
				continue
			}
			ok, err := r.promoter.Promote(ctx, c, "reconcile:"+req.RunID)
			if err != nil {
				r.log.Warn("promoting candidate failed", "symbol", c.Symbol, "date", c.Date.Format(domain.DateLayout), "error", err)
				continue
			}
			if ok {
				res.Promoted++
			}
		}
	}

	res.Job = domain.RefreshJob{Symbols: res.Refreshed, LookbackSessions: r.cfg.Lookback}
	return res, nil
}

// test fetches the recent window for sym and compares it with stored rows.
func (r *Reconciler) test(ctx context.Context, sym string, stored []store.PriceRecord) (Decision, string) {
	d := Decision{Symbol: sym}

	end := domain.SessionDate(r.now().UTC())
	if n := len(stored); n > 0 {
		end = time.UnixMilli(stored[n-1].Date).UTC()
	}
	start := r.cal.SessionsBefore(end, r.cfg.Window)

	fetched, err := r.src.FetchBars(ctx, sym, start, end)
	if err != nil {
		d.Reason = domain.SkipFetchFailed
		return d, err.Error()
	}

	d.Median, d.Overlap = MedianDiff(stored, fetched)
	switch {
	case d.Overlap < r.cfg.MinOverlap:
		d.Reason = domain.SkipInsufficientOverlap
		return d, fmt.Sprintf("overlap %d < %d", d.Overlap, r.cfg.MinOverlap)
	case d.Median > r.cfg.Threshold:
		d.Confirmed = true
	default:
		d.Reason = domain.SkipBelowThreshold
	}
	r.log.Debug("median test", "symbol", sym, "median", d.Median, "overlap", d.Overlap, "confirmed", d.Confirmed)
	return d, ""
}

// MedianDiff returns the median of |stored/fetched - 1| over sessions present
// in both, and the number of such sessions.
func MedianDiff(stored []store.PriceRecord, fetched []domain.Bar) (float64, int) {
	byDate := make(map[int64]float64, len(stored))
	for _, r := range stored {
		byDate[r.Date] = r.Close
	}
	var diffs []float64
	for _, b := range fetched {
		s, ok := byDate[domain.SessionDate(b.Date).UnixMilli()]
		if !ok || b.Close <= 0 || s <= 0 {
			continue
		}
		diffs = append(diffs, math.Abs(s/b.Close-1))
	}
	sort.Float64s(diffs)
	return medianSorted(diffs), len(diffs)
}

// medianSorted returns the median of an already-sorted slice.
func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// dedupe sorts bars by date and drops duplicate sessions.
func dedupe(bars []domain.Bar) []domain.Bar {
	for i := range bars {
		bars[i].Symbol = ""
	}
	return domain.GroupBars(bars)[""].Bars
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
