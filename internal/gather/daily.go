package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"halong/internal/domain"
	"halong/internal/source"
	"halong/internal/store"
	"halong/internal/util"
)

// DailyBarGatherer appends new daily bars for every universe symbol to the
// raw price table. It is resumable and idempotent within a session: a
// completed session is skipped, and symbols that had nothing new are not
// asked twice.
type DailyBarGatherer struct {
	src          source.Source
	prices       *store.Table[store.PriceRecord]
	universe     *store.Universe
	historyStart time.Time
	progressDir  string
	invalidator  Invalidator
	maxWorkers   int
	now          func() time.Time
	log          *slog.Logger
}

// Options configures a DailyBarGatherer.
type Options struct {
	HistoryStart time.Time
	ProgressDir  string
	MaxWorkers   int
	Invalidator  Invalidator // optional
	Logger       *slog.Logger
}

// NewDailyBarGatherer creates a gatherer writing into prices.
func NewDailyBarGatherer(src source.Source, prices *store.Table[store.PriceRecord], universe *store.Universe, opts Options) *DailyBarGatherer {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &DailyBarGatherer{
		src:          src,
		prices:       prices,
		universe:     universe,
		historyStart: opts.HistoryStart,
		progressDir:  opts.ProgressDir,
		invalidator:  opts.Invalidator,
		maxWorkers:   opts.MaxWorkers,
		now:          time.Now,
		log:          log.With("gatherer", "daily"),
	}
}

// Result summarises an ingest pass.
type Result struct {
	Session   string
	Skipped   bool // session already completed
	Requested int
	Empty     int
	Failed    []domain.SkippedSymbol
	Added     int
	Updated   int
}

// Ingest fetches bars newer than each symbol's last stored session up to the
// latest finished session and upserts them in one atomic write.
func (g *DailyBarGatherer) Ingest(ctx context.Context) (Result, error) {
	// 1. Determine end date.
	endDate, err := g.latestSession(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("determining end date: %w", err)
	}
	endDateStr := endDate.Format(domain.DateLayout)
	res := Result{Session: endDateStr}

	// 2. Session progress and idempotency.
	progress, err := openProgress(g.progressDir, endDateStr)
	if err != nil {
		return res, fmt.Errorf("opening progress: %w", err)
	}
	if progress.Completed() {
		g.log.Info("already completed", "endDate", endDateStr)
		res.Skipped = true
		return res, nil
	}

	// 3. Work out the fetch start per symbol.
	existing, err := g.prices.Read(ctx)
	if err != nil {
		return res, fmt.Errorf("reading prices: %w", err)
	}
	lastDate := make(map[string]int64)
	for _, r := range existing {
		if r.Date > lastDate[r.Symbol] {
			lastDate[r.Symbol] = r.Date
		}
	}

	type job struct {
		symbol string
		start  time.Time
	}
	var jobs []job
	for _, sym := range g.universe.Symbols() {
		if progress.IsEmpty(sym) {
			continue
		}
		start := g.historyStart
		if ms, ok := lastDate[sym]; ok {
			start = time.UnixMilli(ms).UTC().AddDate(0, 0, 1)
		}
		if start.After(endDate) {
			continue
		}
		jobs = append(jobs, job{symbol: sym, start: start})
	}
	res.Requested = len(jobs)

	g.log.Info("starting ingest", "endDate", endDateStr, "universe", g.universe.Len(), "remaining", len(jobs))

	// 4. Fetch with a bounded worker pool.
	jobCh := make(chan job, len(jobs))
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		newBars []domain.Bar
		empty   []string
	)
	workers := min(g.maxWorkers, max(len(jobs), 1))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				if ctx.Err() != nil {
					return
				}
				bars, err := g.src.FetchBars(ctx, j.symbol, j.start, endDate)
				mu.Lock()
				switch {
				case errors.Is(err, source.ErrNoData):
					empty = append(empty, j.symbol)
				case err != nil:
					g.log.Warn("fetch failed", "symbol", j.symbol, "reason", domain.SkipFetchFailed, "error", err)
					res.Failed = append(res.Failed, domain.SkippedSymbol{Symbol: j.symbol, Reason: domain.SkipFetchFailed, Detail: err.Error()})
				default:
					newBars = append(newBars, bars...)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if err := progress.MarkEmpty(empty); err != nil {
		g.log.Error("marking empty failed", "error", err)
	}
	res.Empty = len(empty)

	// 5. One atomic upsert.
	if len(newBars) > 0 {
		up, err := g.prices.Upsert(ctx, store.PricesFromBars(newBars))
		if err != nil {
			return res, fmt.Errorf("upserting bars: %w", err)
		}
		res.Added, res.Updated = up.Added, up.Updated
	}

	if g.invalidator != nil && res.Added+res.Updated > 0 {
		if err := g.invalidator.Publish(ctx); err != nil {
			return res, fmt.Errorf("publishing invalidation: %w", err)
		}
	}

	// 6. Only a clean pass completes the session so failures are retried.
	if len(res.Failed) == 0 {
		if err := progress.MarkCompleted(); err != nil {
			return res, fmt.Errorf("marking completed: %w", err)
		}
	}

	g.log.Info("complete",
		"added", res.Added,
		"updated", res.Updated,
		"empty", res.Empty,
		"failed", len(res.Failed),
	)
	return res, nil
}

func (g *DailyBarGatherer) latestSession(ctx context.Context) (time.Time, error) {
	if ss, ok := g.src.(source.SessionSource); ok {
		t, err := ss.LatestSession(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return domain.SessionDate(t), nil
	}
	cal := util.NewTradingCalendar()
	return domain.SessionDate(cal.PreviousSession(g.now().UTC())), nil
}
