package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"halong/internal/testutil"
)

const (
	sessions = 260
	splitAt  = 250
)

type stubSource struct {
	adjusted map[string]domain.Series
	fail     map[string]bool
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if s.fail[symbol] {
		return nil, errors.New("upstream timeout")
	}
	var out []domain.Bar
	for _, b := range s.adjusted[symbol].Bars {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

type harness struct {
	dir    string
	tables store.Tables
	reg    *registry.Registry
	marker *marker.File
	src    *stubSource
	orch   *Orchestrator
	splits []string
	others []string
}

// newHarness stores n symbols of history. The first splits symbols carry an
// unadjusted 2:1 split at session splitAt, which the source has already
// adjusted.
func newHarness(t *testing.T, n, splits int) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	layout := store.NewLayout(dir)
	tables := layout.Open()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{dir: dir, tables: tables, src: &stubSource{adjusted: map[string]domain.Series{}, fail: map[string]bool{}}}
	var members []store.Member
	var stored []store.PriceRecord
	for i := 0; i < n; i++ {
		sym := fmt.Sprintf("S%03d", i)
		members = append(members, store.Member{Symbol: sym, Venue: "HOSE", Sector: fmt.Sprintf("SEC%d", i%5)})
		raw := testutil.Series(sym, testutil.Wave(sessions, float64(20+i%50), i))
		if i < splits {
			h.splits = append(h.splits, sym)
			stored = append(stored, testutil.Prices(testutil.Scale(raw, splitAt, 0.5))...)
			h.src.adjusted[sym] = testutil.Scale(raw, 0, 0.5)
		} else {
			h.others = append(h.others, sym)
			stored = append(stored, testutil.Prices(raw)...)
			h.src.adjusted[sym] = raw
		}
	}
	_, err := tables.Prices.Publish(ctx, stored)
	require.NoError(t, err)

	h.reg, err = registry.Open("sqlite", filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.reg.Close() })

	universe := store.NewUniverse(members)
	h.marker = marker.NewFile(filepath.Join(dir, ".invalidated"))
	rec := reconcile.New(reconcile.Config{
		Window:       35,
		Threshold:    0.02,
		MinOverlap:   10,
		HistoryStart: testutil.Start,
		KeepBackups:  2,
		Lookback:     365,
	}, h.src, tables.Prices, layout.Backups(), h.reg, log)

	h.orch = New(Components{
		Layout:     layout,
		Tables:     tables,
		Universe:   universe,
		Detect:     detect.DefaultConfig(),
		Venues:     map[string]float64{"HOSE": 0.07},
		Venue:      "HOSE",
		Registry:   h.reg,
		Reconciler: rec,
		Indicators: indicator.NewRunner(tables.Prices, indicator.Default(tables), log),
		Aggregator: aggregate.New(tables, universe, log),
		Ranker:     ranking.New(ranking.DefaultConfig(), tables, universe, log),
		Marker:     h.marker,
		Metrics:    metrics.New(),
		Textfile:   filepath.Join(dir, "halong.prom"),
		ReviewPath: filepath.Join(dir, "review.xlsx"),
		Logger:     log,
	})
	return h
}

func (h *harness) technicalBySymbol(t *testing.T) map[string][]store.TechnicalRecord {
	t.Helper()
	rows, err := h.tables.Technical.Read(context.Background())
	require.NoError(t, err)
	return store.GroupRows(rows)
}

func (h *harness) lastBreadth(t *testing.T, group string) store.BreadthRecord {
	t.Helper()
	rows, err := h.tables.Breadth.Read(context.Background())
	require.NoError(t, err)
	var last store.BreadthRecord
	for _, r := range rows {
		if r.Group == group && r.Date >= last.Date {
			last = r
		}
	}
	return last
}

func findStore(res domain.RunResult, name string) (domain.StoreResult, bool) {
	for _, s := range res.Stores {
		if s.Store == name {
			return s, true
		}
	}
	return domain.StoreResult{}, false
}

func TestEndToEndSelectiveRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 458, 20)

	base, err := h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.NoError(t, err)
	assert.False(t, base.GatePassed, "unadjusted splits fail the sanity gate")
	_, err = h.marker.Consume(ctx)
	require.NoError(t, err)

	before := h.technicalBySymbol(t)
	require.Len(t, before, 458)
	assert.EqualValues(t, 438, h.lastBreadth(t, aggregate.GroupAll).AboveSMA200)

	res, err := h.orch.Run(ctx, Options{Mode: ModeRecompute})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Candidates)
	assert.Equal(t, h.splits, res.CandidateSymbols)
	assert.Equal(t, h.splits, res.Confirmed)
	assert.Equal(t, h.splits, res.Refreshed)
	assert.Empty(t, res.Skipped)
	assert.True(t, res.AggregatePublished)
	assert.True(t, res.RankingPublished)
	assert.True(t, res.GatePassed)
	assert.True(t, res.InvalidationPublished)

	tech, ok := findStore(res, store.TableTechnical)
	require.True(t, ok)
	assert.Equal(t, 20, tech.SymbolsHit)
	assert.False(t, tech.FullPublish)
	breadth, ok := findStore(res, store.TableBreadth)
	require.True(t, ok)
	assert.True(t, breadth.FullPublish)

	after := h.technicalBySymbol(t)
	require.Len(t, after, 458)
	for _, sym := range h.others {
		require.Equal(t, before[sym], after[sym], sym)
	}
	for _, sym := range h.splits {
		require.Len(t, after[sym], len(before[sym]))
		last := len(after[sym]) - 1
		assert.NotEqual(t, before[sym][last].SMA200, after[sym][last].SMA200, sym)
	}

	all := h.lastBreadth(t, aggregate.GroupAll)
	assert.EqualValues(t, 458, all.Symbols)
	assert.EqualValues(t, 458, all.AboveSMA200)

	ok, err = h.marker.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	promoted, err := h.reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, promoted, 20)

	prom, err := os.ReadFile(filepath.Join(h.dir, "halong.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "halong_run_refreshed_symbols 20")

	// A second run finds nothing left to repair.
	again, err := h.orch.Run(ctx, Options{Mode: ModeRecompute})
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)
	assert.Empty(t, again.Refreshed)
	assert.True(t, again.AggregatePublished)
	assert.Equal(t, after, h.technicalBySymbol(t))
}

func TestIngestedSessionIsRecomputed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0)

	// S000 is in a steady downtrend; every symbol has one more session
	// upstream than is stored.
	full := map[string]domain.Series{"S000": testutil.Series("S000", testutil.Linear(sessions+1, 200, -0.5))}
	for i := 1; i < 5; i++ {
		sym := fmt.Sprintf("S%03d", i)
		full[sym] = testutil.Series(sym, testutil.Wave(sessions+1, float64(20+i%50), i))
	}
	var stored, next []store.PriceRecord
	for _, s := range full {
		recs := testutil.Prices(s)
		stored = append(stored, recs[:sessions]...)
		next = append(next, recs[sessions])
	}
	_, err := h.tables.Prices.Publish(ctx, stored)
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.NoError(t, err)
	penalized := func() bool {
		rows, err := h.tables.Ranking.Read(ctx)
		require.NoError(t, err)
		for _, r := range rows {
			if r.Symbol == "S000" {
				return r.Downtrend && r.Penalized
			}
		}
		return false
	}
	require.True(t, penalized())

	_, err = h.tables.Prices.Upsert(ctx, next)
	require.NoError(t, err)
	newSession := next[0].Date

	res, err := h.orch.Run(ctx, Options{Mode: ModeRecompute})
	require.NoError(t, err)
	assert.Empty(t, res.Refreshed)
	assert.Equal(t, []string{"S000", "S001", "S002", "S003", "S004"}, res.Stale)
	assert.True(t, res.GatePassed)

	tech, ok := findStore(res, store.TableTechnical)
	require.True(t, ok)
	assert.False(t, tech.FullPublish)
	assert.Equal(t, 5, tech.SymbolsHit)

	for sym, rows := range h.technicalBySymbol(t) {
		assert.Equal(t, newSession, rows[len(rows)-1].Date, sym)
	}
	assert.Equal(t, newSession, h.lastBreadth(t, aggregate.GroupAll).Date)
	assert.True(t, penalized(), "downtrend penalty still applies after the new session")

	// Caught up: the next run has nothing stale.
	again, err := h.orch.Run(ctx, Options{Mode: ModeRecompute})
	require.NoError(t, err)
	assert.Empty(t, again.Stale)
}

func TestFetchFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30, 3)
	h.src.fail[h.splits[1]] = true

	res, err := h.orch.Run(ctx, Options{Mode: ModeRefresh})
	require.NoError(t, err)
	assert.Equal(t, []string{h.splits[0], h.splits[2]}, res.Refreshed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, h.splits[1], res.Skipped[0].Symbol)
	assert.Equal(t, domain.SkipFetchFailed, res.Skipped[0].Reason)
	assert.False(t, res.AggregatePublished, "refresh mode stops after raw prices")
	assert.True(t, res.InvalidationPublished)

	// The failed symbol is still flagged next time.
	h.src.fail = map[string]bool{}
	res, err = h.orch.Run(ctx, Options{Mode: ModeDetect})
	require.NoError(t, err)
	assert.Equal(t, []string{h.splits[1]}, res.CandidateSymbols)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25, 2)
	_, err := h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.NoError(t, err)
	_, err = h.marker.Consume(ctx)
	require.NoError(t, err)

	paths := []string{h.tables.Prices.Path(), h.tables.Technical.Path(), h.tables.Breadth.Path(), h.tables.Ranking.Path()}
	snap := make(map[string][]byte)
	for _, p := range paths {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		snap[p] = b
	}

	res, err := h.orch.Run(ctx, Options{Mode: ModeRecompute, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, h.splits, res.Confirmed)
	assert.Equal(t, h.splits, res.Refreshed)
	assert.False(t, res.AggregatePublished)
	assert.False(t, res.InvalidationPublished)

	for _, p := range paths {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, snap[p], b, p)
	}
	ok, err := h.marker.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(h.dir, "review.xlsx"))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Dir(h.tables.Prices.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDetectModeWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10, 1)
	before, err := os.ReadFile(h.tables.Prices.Path())
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, Options{Mode: ModeDetect})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Empty(t, res.Refreshed)

	after, err := os.ReadFile(h.tables.Prices.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, h.tables.Technical.Exists())
}

func TestForceBypassesDetection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10, 1)
	_, err := h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, Options{Mode: ModeRecompute, ForceSymbols: []string{"s005"}})
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Equal(t, []string{"S005"}, res.Refreshed)
	tech, ok := findStore(res, store.TableTechnical)
	require.True(t, ok)
	assert.Equal(t, 1, tech.SymbolsHit)
}

func TestOrphanTempFilesRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0)
	orphan := filepath.Join(filepath.Dir(h.tables.Prices.Path()), "prices.parquet"+store.TempMarker+"123")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	_, err := h.orch.Run(ctx, Options{Mode: ModeDetect})
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestOrphansAcrossDataDirRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0)
	layout := store.NewLayout(h.dir)

	backup := filepath.Join(layout.Backups(), "prices.20240102T150405.run1.parquet")
	orphans := []string{
		filepath.Join(h.dir, ".invalidated"+store.TempMarker+"1"),
		filepath.Join(layout.Progress(), "daily", "session.yaml"+store.TempMarker+"2"),
		backup + store.TempMarker + "3",
	}
	for _, p := range append(orphans, backup) {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
	}

	_, err := h.orch.Run(ctx, Options{Mode: ModeDetect})
	require.NoError(t, err)
	for _, p := range orphans {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	_, err = os.Stat(backup)
	assert.NoError(t, err, "completed backups are kept")
}

func TestMarkerOrphansOutsideDataDirRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0)
	elsewhere := t.TempDir()
	mk := marker.NewFile(filepath.Join(elsewhere, "halong.invalidated"))
	h.orch.c.Marker = mk
	orphan := mk.Path() + store.TempMarker + "9"
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))

	_, err := h.orch.Run(ctx, Options{Mode: ModeDetect})
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestFailedRunRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0)
	_, err := h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.NoError(t, err)
	prom := filepath.Join(h.dir, "halong.prom")
	b, err := os.ReadFile(prom)
	require.NoError(t, err)
	require.Contains(t, string(b), `halong_run_published{output="aggregate"} 1`)

	// The aggregate directory becomes unwritable.
	aggDir := filepath.Dir(h.tables.Breadth.Path())
	require.NoError(t, os.RemoveAll(aggDir))
	require.NoError(t, os.WriteFile(aggDir, []byte("not a dir"), 0o644))

	res, err := h.orch.Run(ctx, Options{Mode: ModeRebuild})
	require.Error(t, err)
	assert.False(t, res.AggregatePublished)

	b, err = os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(b), "halong_run_failed 1")
	assert.Contains(t, string(b), `halong_run_published{output="aggregate"} 0`)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRecompute, m)
	m, err = ParseMode("Detect")
	require.NoError(t, err)
	assert.Equal(t, ModeDetect, m)
	_, err = ParseMode("everything")
	assert.Error(t, err)
}

func TestScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := NewScheduler(ctx, "not a cron", nil, func(context.Context) error { return nil }, nil)
	assert.Error(t, err)

	s, err := NewScheduler(ctx, "5 20 * * 1-5", time.UTC, func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	next := s.Next()
	assert.Equal(t, 20, next.Hour())
	assert.Equal(t, 5, next.Minute())
	s.Start()
	s.Stop()
}
