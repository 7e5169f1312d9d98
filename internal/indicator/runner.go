package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"halong/internal/domain"
	"halong/internal/store"
)

// Job is a calculator bound to the table it writes.
type Job interface {
	Name() string
	MinHistory() int
	Run(ctx context.Context, series map[string]domain.Series, filter []string, dryRun bool) (JobResult, error)
	// Dense reports whether the calculator emits a row for every session
	// once warmed up. Only dense tables can tell how far a symbol is covered.
	Dense() bool
	// Coverage returns the last stored row date per symbol.
	Coverage(ctx context.Context) (map[string]int64, error)
}

// sparse is implemented by calculators that emit rows only on some sessions.
type sparse interface {
	Sparse() bool
}

// JobResult describes one calculator's write.
type JobResult struct {
	Merge   store.MergeResult
	Rows    int
	Skipped []domain.SkippedSymbol
}

// StoreResult summarises the write for a RunResult.
func (r JobResult) StoreResult() domain.StoreResult {
	return domain.StoreResult{
		Store:       r.Merge.Table,
		RowsBefore:  r.Merge.Before,
		RowsAfter:   r.Merge.After,
		SymbolsHit:  len(r.Merge.Replaced),
		FullPublish: r.Merge.Full,
	}
}

type boundJob[R store.Row] struct {
	calc  Calculator[R]
	table *store.Table[R]
	log   *slog.Logger
}

// Bind pairs a calculator with its table.
func Bind[R store.Row](c Calculator[R], t *store.Table[R]) Job {
	return &boundJob[R]{calc: c, table: t, log: slog.Default()}
}

func (j *boundJob[R]) Name() string    { return j.calc.Name() }
func (j *boundJob[R]) MinHistory() int { return j.calc.MinHistory() }

func (j *boundJob[R]) Dense() bool {
	sp, ok := j.calc.(sparse)
	return !ok || !sp.Sparse()
}

func (j *boundJob[R]) Coverage(ctx context.Context) (map[string]int64, error) {
	rows, err := j.table.Read(ctx)
	if err != nil {
		return nil, err
	}
	last := make(map[string]int64)
	for _, r := range rows {
		if d := r.RowDate(); d > last[r.RowSymbol()] {
			last[r.RowSymbol()] = d
		}
	}
	return last, nil
}

// Run computes rows for every symbol in series. With an empty filter the
// table is republished in full; otherwise only the filter symbols are
// replaced. Symbols in the filter that are short or missing end up with no
// rows.
func (j *boundJob[R]) Run(ctx context.Context, series map[string]domain.Series, filter []string, dryRun bool) (JobResult, error) {
	symbols := filter
	if len(symbols) == 0 {
		symbols = make([]string, 0, len(series))
		for sym := range series {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
	}

	var res JobResult
	var rows []R
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return JobResult{}, err
		}
		s, ok := series[sym]
		if !ok {
			s = domain.Series{Symbol: sym}
		}
		out, err := j.calc.Compute(s)
		if errors.Is(err, ErrInsufficientHistory) {
			j.log.Warn("skipping short series",
				"store", j.Name(),
				"symbol", sym,
				"sessions", s.Len(),
				"need", j.MinHistory(),
			)
			res.Skipped = append(res.Skipped, domain.SkippedSymbol{
				Symbol: sym,
				Reason: domain.SkipInsufficientHistory,
				Detail: fmt.Sprintf("%d sessions, need %d", s.Len(), j.MinHistory()),
			})
			continue
		}
		if err != nil {
			return JobResult{}, fmt.Errorf("computing %s for %s: %w", j.Name(), sym, err)
		}
		rows = append(rows, out...)
	}
	res.Rows = len(rows)

	if dryRun {
		plan, err := j.plan(ctx, filter, len(rows))
		if err != nil {
			return JobResult{}, err
		}
		res.Merge = plan
		return res, nil
	}

	if len(filter) == 0 {
		m, err := j.table.Publish(ctx, rows)
		if err != nil {
			return JobResult{}, err
		}
		res.Merge = m
		return res, nil
	}
	m, err := j.table.Merge(ctx, filter, rows)
	if err != nil {
		return JobResult{}, err
	}
	if err := j.table.VerifyMerge(ctx, m); err != nil {
		return JobResult{}, err
	}
	res.Merge = m
	return res, nil
}

// plan reports what a write would do without touching the table.
func (j *boundJob[R]) plan(ctx context.Context, filter []string, inserted int) (store.MergeResult, error) {
	existing, err := j.table.Read(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	m := store.MergeResult{
		Table:    j.Name(),
		Replaced: filter,
		Full:     len(filter) == 0,
		Before:   len(existing),
		Inserted: inserted,
	}
	if m.Full {
		m.Removed = len(existing)
	} else {
		set := make(map[string]struct{}, len(filter))
		for _, s := range filter {
			set[s] = struct{}{}
		}
		for _, r := range existing {
			if _, hit := set[r.RowSymbol()]; hit {
				m.Removed++
			}
		}
		m.Untouched = len(existing) - m.Removed
	}
	m.After = m.Untouched + m.Inserted
	return m, nil
}

// Runner recomputes every registered calculator from the price table.
type Runner struct {
	prices   *store.Table[store.PriceRecord]
	registry *Registry
	log      *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(prices *store.Table[store.PriceRecord], registry *Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	for _, name := range registry.List() {
		j, _ := registry.Get(name)
		if b, ok := j.(interface{ setLogger(*slog.Logger) }); ok {
			b.setLogger(log)
		}
	}
	return &Runner{prices: prices, registry: registry, log: log}
}

func (j *boundJob[R]) setLogger(l *slog.Logger) { j.log = l }

// Report is the outcome of a recompute across all calculators.
type Report struct {
	Filter  []string
	Results []JobResult
	Skipped []domain.SkippedSymbol
}

// Stores returns one StoreResult per calculator.
func (r Report) Stores() []domain.StoreResult {
	out := make([]domain.StoreResult, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.StoreResult()
	}
	return out
}

// Recompute rebuilds the derived stores. An empty filter rebuilds and
// publishes every table in full; otherwise only the filter symbols are read
// and replaced.
func (r *Runner) Recompute(ctx context.Context, filter []string) (Report, error) {
	return r.run(ctx, filter, false)
}

// Plan computes what Recompute would write without writing it.
func (r *Runner) Plan(ctx context.Context, filter []string) (Report, error) {
	return r.run(ctx, filter, true)
}

func (r *Runner) run(ctx context.Context, filter []string, dryRun bool) (Report, error) {
	filter = normalize(filter)

	var recs []store.PriceRecord
	var err error
	if len(filter) == 0 {
		recs, err = r.prices.Read(ctx)
	} else {
		recs, err = r.prices.ReadSymbols(ctx, filter)
	}
	if err != nil {
		return Report{}, fmt.Errorf("loading prices: %w", err)
	}
	series := domain.GroupBars(store.BarsFromPrices(recs))
	for sym, s := range series {
		if err := s.Validate(); err != nil {
			return Report{}, fmt.Errorf("price series %s: %w", sym, err)
		}
	}

	r.log.Info("recomputing derived stores",
		"symbols", len(series),
		"filter", len(filter),
		"dry_run", dryRun,
	)

	rep := Report{Filter: filter}
	seen := make(map[string]struct{})
	for _, name := range r.registry.List() {
		job, _ := r.registry.Get(name)
		res, err := job.Run(ctx, series, filter, dryRun)
		if err != nil {
			return rep, fmt.Errorf("recomputing %s: %w", name, err)
		}
		r.log.Info("derived store written",
			"store", name,
			"rows_before", res.Merge.Before,
			"rows_after", res.Merge.After,
			"inserted", res.Merge.Inserted,
			"untouched", res.Merge.Untouched,
			"skipped", len(res.Skipped),
		)
		rep.Results = append(rep.Results, res)
		for _, sk := range res.Skipped {
			if _, ok := seen[sk.Symbol]; ok {
				continue
			}
			seen[sk.Symbol] = struct{}{}
			rep.Skipped = append(rep.Skipped, sk)
		}
	}
	sort.Slice(rep.Skipped, func(i, j int) bool { return rep.Skipped[i].Symbol < rep.Skipped[j].Symbol })
	return rep, nil
}

// Stale returns the symbols whose raw history runs past their derived rows:
// a symbol with enough sessions for a dense calculator whose last row in that
// table is older than its last price session. New sessions appended by ingest
// make symbols stale until they are recomputed.
func (r *Runner) Stale(ctx context.Context) ([]string, error) {
	recs, err := r.prices.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading prices: %w", err)
	}
	lastPrice := make(map[string]int64)
	sessions := make(map[string]int)
	for _, rec := range recs {
		sessions[rec.Symbol]++
		if rec.Date > lastPrice[rec.Symbol] {
			lastPrice[rec.Symbol] = rec.Date
		}
	}

	stale := make(map[string]struct{})
	for _, name := range r.registry.List() {
		job, _ := r.registry.Get(name)
		if !job.Dense() {
			continue
		}
		covered, err := job.Coverage(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		for sym, last := range lastPrice {
			if sessions[sym] >= job.MinHistory() && covered[sym] < last {
				stale[sym] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(stale))
	for sym := range stale {
		out = append(out, sym)
	}
	sort.Strings(out)
	if len(out) > 0 {
		r.log.Info("derived stores behind raw prices", "symbols", len(out))
	}
	return out, nil
}

func normalize(symbols []string) []string {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
