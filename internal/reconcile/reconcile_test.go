package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halong/internal/domain"
	"halong/internal/store"
)

func day(i int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func bars(symbol string, closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{Symbol: symbol, Date: day(i), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return out
}

type fakeSource struct {
	data  map[string][]domain.Bar
	fail  map[string]bool
	calls map[string]int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchBars(_ context.Context, sym string, start, end time.Time) ([]domain.Bar, error) {
	f.calls[sym]++
	if f.fail[sym] {
		return nil, errors.New("connection reset")
	}
	var out []domain.Bar
	for _, b := range f.data[sym] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakePromoter struct{ got []domain.SpikeCandidate }

func (p *fakePromoter) Promote(_ context.Context, c domain.SpikeCandidate, _ string) (bool, error) {
	p.got = append(p.got, c)
	return true, nil
}

type fixture struct {
	dir      string
	prices   *store.Table[store.PriceRecord]
	src      *fakeSource
	promoter *fakePromoter
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	layout := store.NewLayout(dir)
	prices := layout.Open().Prices

	var seed []domain.Bar
	seed = append(seed, bars("HPG", 100, 100, 48)...) // unadjusted 2:1 split on day 2
	seed = append(seed, bars("VNM", 70, 71, 72)...)
	seed = append(seed, bars("FPT", 100, 100, 50)...)
	seed = append(seed, bars("SSI", 30, 30, 30)...)
	_, err := prices.Publish(context.Background(), store.PricesFromBars(seed))
	require.NoError(t, err)

	src := &fakeSource{
		data: map[string][]domain.Bar{
			"HPG": bars("HPG", 50, 50, 48),
			"VNM": bars("VNM", 70, 71, 72),
			"SSI": bars("SSI", 30), // too little overlap
			"NEW": bars("NEW", 10, 11, 12),
		},
		fail:  map[string]bool{"FPT": true},
		calls: map[string]int{},
	}
	promoter := &fakePromoter{}
	cfg := Config{Window: 35, Threshold: 0.02, MinOverlap: 2, HistoryStart: day(0), KeepBackups: 3, Lookback: 365}
	rec := New(cfg, src, prices, layout.Backups(), promoter, nil)
	rec.now = func() time.Time { return day(10) }
	return &fixture{dir: dir, prices: prices, src: src, promoter: promoter, rec: rec}
}

func candidate(sym string, class domain.Classification) domain.SpikeCandidate {
	return domain.SpikeCandidate{Symbol: sym, Date: day(2), Classification: class, Ratio: 0.5, Method: domain.MethodExchangeLimit, Corroborated: true}
}

func TestReconcileRefreshesConfirmedSymbolsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before, err := f.prices.Read(ctx)
	require.NoError(t, err)

	res, err := f.rec.Reconcile(ctx, Request{
		RunID: "r1",
		Candidates: []domain.SpikeCandidate{
			candidate("HPG", domain.ClassSplit),
			candidate("FPT", domain.ClassSplit),
			{Symbol: "SSI", Date: day(2), Corroborated: false}, // never reconciled
		},
		Explicit: []string{"VNM", "SSI"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"HPG"}, res.Confirmed)
	assert.Equal(t, []string{"HPG"}, res.Refreshed)
	assert.Equal(t, []string{"HPG"}, res.Job.Symbols)
	require.NotNil(t, res.Merge)
	assert.Equal(t, 3, res.Merge.Removed)
	assert.Equal(t, 3, res.Merge.Inserted)

	reasons := map[string]domain.SkipReason{}
	for _, s := range res.Skipped {
		reasons[s.Symbol] = s.Reason
	}
	assert.Equal(t, domain.SkipFetchFailed, reasons["FPT"])
	assert.Equal(t, domain.SkipInsufficientOverlap, reasons["SSI"])
	_, vnmSkipped := reasons["VNM"]
	assert.False(t, vnmSkipped, "below-threshold symbols are decided, not skipped")

	// The split artifact is gone and every other symbol is untouched.
	after, err := f.prices.Read(ctx)
	require.NoError(t, err)
	was, now := store.GroupRows(before), store.GroupRows(after)
	for _, sym := range []string{"VNM", "FPT", "SSI"} {
		assert.Equal(t, was[sym], now[sym], sym)
	}
	series := domain.Series{Symbol: "HPG", Bars: store.BarsFromPrices(now["HPG"])}
	for i, r := range series.Returns() {
		assert.Greater(t, r, -0.5, "day %d still carries the split artifact", i)
	}

	// Backup taken before the merge, promotion recorded.
	assert.FileExists(t, res.BackupPath)
	require.Len(t, f.promoter.got, 1)
	assert.Equal(t, "HPG", f.promoter.got[0].Symbol)
	assert.Equal(t, 1, res.Promoted)
}

func TestReconcileForceBypassesMedianTest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.rec.Reconcile(ctx, Request{RunID: "r2", Force: []string{"vnm", "NEW"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW", "VNM"}, res.Refreshed)
	assert.Equal(t, 1, f.src.calls["VNM"], "forced symbols skip the window fetch")

	syms, err := f.prices.Symbols(ctx)
	require.NoError(t, err)
	assert.Contains(t, syms, "NEW")
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orig, err := os.ReadFile(f.prices.Path())
	require.NoError(t, err)

	res, err := f.rec.Reconcile(ctx, Request{
		RunID:      "dry",
		Candidates: []domain.SpikeCandidate{candidate("HPG", domain.ClassSplit)},
		DryRun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"HPG"}, res.Confirmed)
	assert.Equal(t, []string{"HPG"}, res.Job.Symbols)
	assert.Empty(t, res.Refreshed)
	assert.Empty(t, res.BackupPath)
	assert.Empty(t, f.promoter.got)

	now, err := os.ReadFile(f.prices.Path())
	require.NoError(t, err)
	assert.Equal(t, orig, now)
	_, err = os.Stat(filepath.Join(f.dir, "backups"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileFullFetchFailureLeavesSymbolUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before, err := f.prices.ReadSymbols(ctx, []string{"HPG"})
	require.NoError(t, err)

	// The window fetch succeeds, the full-history fetch does not.
	calls := 0
	src := &flakySource{inner: f.src, failAfter: 1, calls: &calls}
	f.rec.src = src

	res, err := f.rec.Reconcile(ctx, Request{RunID: "r3", Candidates: []domain.SpikeCandidate{candidate("HPG", domain.ClassSplit)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"HPG"}, res.Confirmed)
	assert.Empty(t, res.Refreshed)
	assert.Nil(t, res.Merge)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, domain.SkipFetchFailed, res.Skipped[0].Reason)

	after, err := f.prices.ReadSymbols(ctx, []string{"HPG"})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

type flakySource struct {
	inner     *fakeSource
	failAfter int
	calls     *int
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) FetchBars(ctx context.Context, sym string, start, end time.Time) ([]domain.Bar, error) {
	*s.calls++
	if *s.calls > s.failAfter {
		return nil, errors.New("503")
	}
	return s.inner.FetchBars(ctx, sym, start, end)
}

func TestMedianDiff(t *testing.T) {
	stored := store.PricesFromBars(bars("X", 100, 100, 100, 100, 500))
	fetched := bars("X", 100, 100, 101, 102, 100)
	med, n := MedianDiff(stored, fetched)
	assert.Equal(t, 5, n)
	// diffs: 0, 0, ~0.0099, ~0.0196, 4 -> median ~0.0099; the outlier does not move it
	assert.InDelta(t, 100.0/101-1, -med, 1e-12)

	_, n = MedianDiff(stored, bars("X"))
	assert.Zero(t, n)
}
