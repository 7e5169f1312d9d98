package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"halong/internal/config"
	"halong/internal/domain"
	"halong/internal/store"
)

// Config controls scoring.
type Config struct {
	SanityCeiling    float64
	DowntrendPenalty float64
	MomentumSessions int
}

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() Config {
	return Config{SanityCeiling: DefaultSanityCeiling, DowntrendPenalty: 0.5, MomentumSessions: 60}
}

// FromConfig fills unset fields with defaults.
func FromConfig(c config.Ranking) Config {
	out := DefaultConfig()
	if c.SanityCeiling > 0 {
		out.SanityCeiling = c.SanityCeiling
	}
	if c.DowntrendPenalty > 0 {
		out.DowntrendPenalty = c.DowntrendPenalty
	}
	if c.MomentumSessions > 0 {
		out.MomentumSessions = c.MomentumSessions
	}
	return out
}

// SectorLookup resolves a symbol's sector.
type SectorLookup interface {
	Sector(symbol string) string
}

type rankingTable interface {
	Publish(ctx context.Context, rows []store.RankingRecord) (store.MergeResult, error)
	VerifyMerge(ctx context.Context, res store.MergeResult) error
}

// Ranker builds the ranking table for the latest session.
type Ranker struct {
	cfg       Config
	prices    *store.Table[store.PriceRecord]
	technical *store.Table[store.TechnicalRecord]
	ranking   rankingTable
	sectors   SectorLookup
	log       *slog.Logger
}

// New creates a Ranker. sectors may be nil.
func New(cfg Config, tables store.Tables, sectors SectorLookup, log *slog.Logger) *Ranker {
	if log == nil {
		log = slog.Default()
	}
	return &Ranker{
		cfg:       cfg,
		prices:    tables.Prices,
		technical: tables.Technical,
		ranking:   tables.Ranking,
		sectors:   sectors,
		log:       log,
	}
}

// Result is the outcome of a ranking run.
type Result struct {
	Gate      GateResult
	Merge     store.MergeResult
	Rows      []store.RankingRecord
	Penalized int
}

// Rank scores every symbol and publishes the ranking table in full.
func (r *Ranker) Rank(ctx context.Context) (Result, error) {
	res, err := r.compute(ctx)
	if err != nil {
		return Result{}, err
	}
	m, err := r.ranking.Publish(ctx, res.Rows)
	if err != nil {
		return Result{}, err
	}
	if err := r.ranking.VerifyMerge(ctx, m); err != nil {
		return Result{}, err
	}
	res.Merge = m
	return res, nil
}

// Plan scores without writing.
func (r *Ranker) Plan(ctx context.Context) (Result, error) {
	res, err := r.compute(ctx)
	if err != nil {
		return Result{}, err
	}
	res.Merge = store.MergeResult{Table: store.TableRanking, Full: true, Inserted: len(res.Rows), After: len(res.Rows)}
	return res, nil
}

func (r *Ranker) compute(ctx context.Context) (Result, error) {
	recs, err := r.prices.Read(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading prices: %w", err)
	}
	series := domain.GroupBars(store.BarsFromPrices(recs))

	gate := Gate{Ceiling: r.cfg.SanityCeiling}.Check(series)
	if !gate.Passed {
		for _, v := range gate.Violations {
			r.log.Warn("sanity ceiling exceeded, downtrend penalty disabled",
				"symbol", v.Symbol,
				"date", v.Date.Format(domain.DateLayout),
				"return", v.Return,
			)
		}
	}

	tech, err := r.technical.Read(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading technical: %w", err)
	}
	latest := make(map[string]store.TechnicalRecord)
	for _, t := range tech {
		if cur, ok := latest[t.Symbol]; !ok || t.Date > cur.Date {
			latest[t.Symbol] = t
		}
	}

	rows := Score(series, latest, r.cfg, gate.Passed)
	res := Result{Gate: gate, Rows: rows}
	for i := range rows {
		if r.sectors != nil {
			rows[i].Sector = r.sectors.Sector(rows[i].Symbol)
		}
		if rows[i].Penalized {
			res.Penalized++
		}
	}
	r.log.Info("ranking computed",
		"symbols", len(rows),
		"gate_passed", gate.Passed,
		"violations", len(gate.Violations),
		"penalized", res.Penalized,
	)
	return res, nil
}

// Score ranks symbols with at least MomentumSessions+1 sessions on the
// latest session date of the dataset. The score is the momentum percentile
// in [0, 1], halved (by DowntrendPenalty) for symbols in a downtrend when
// penalize is true.
func Score(series map[string]domain.Series, latest map[string]store.TechnicalRecord, cfg Config, penalize bool) []store.RankingRecord {
	var lastDate int64
	for _, s := range series {
		if s.Len() > 0 {
			lastDate = max(lastDate, domain.SessionDate(s.Bars[s.Len()-1].Date).UnixMilli())
		}
	}

	var rows []store.RankingRecord
	for sym, s := range series {
		n := s.Len()
		if n <= cfg.MomentumSessions {
			continue
		}
		last := s.Bars[n-1]
		if domain.SessionDate(last.Date).UnixMilli() != lastDate {
			continue
		}
		base := s.Bars[n-1-cfg.MomentumSessions].Close
		if base <= 0 {
			continue
		}
		row := store.RankingRecord{
			Symbol:     sym,
			Date:       lastDate,
			Momentum:   last.Close/base - 1,
			GatePassed: penalize,
		}
		if t, ok := latest[sym]; ok && t.Date == lastDate {
			row.Downtrend = t.Close < t.SMA200 && t.SMA50 < t.SMA200
		}
		rows = append(rows, row)
	}

	// Percentile by momentum, ties broken by symbol.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Momentum != rows[j].Momentum {
			return rows[i].Momentum < rows[j].Momentum
		}
		return rows[i].Symbol > rows[j].Symbol
	})
	for i := range rows {
		if len(rows) > 1 {
			rows[i].Score = float64(i) / float64(len(rows)-1)
		} else {
			rows[i].Score = 1
		}
		if penalize && rows[i].Downtrend {
			rows[i].Score *= cfg.DowntrendPenalty
			rows[i].Penalized = true
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	for i := range rows {
		rows[i].Rank = int64(i + 1)
	}
	return rows
}
