// Package aggregate computes cross-symbol breadth statistics. Every value
// depends on the whole universe for a date, so the table is always rebuilt
// from the complete derived stores and published in full.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"halong/internal/store"
)

// GroupAll is the group name of the universe-wide row.
const GroupAll = "ALL"

// SectorLookup resolves a symbol's sector. An empty string means unknown.
type SectorLookup interface {
	Sector(symbol string) string
}

// Aggregator builds the breadth table.
type Aggregator struct {
	technical *store.Table[store.TechnicalRecord]
	alerts    *store.Table[store.AlertRecord]
	breadth   *store.Table[store.BreadthRecord]
	sectors   SectorLookup
	log       *slog.Logger
}

// New creates an Aggregator over the given tables. sectors may be nil, in
// which case only the ALL group is produced.
func New(tables store.Tables, sectors SectorLookup, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		technical: tables.Technical,
		alerts:    tables.Alerts,
		breadth:   tables.Breadth,
		sectors:   sectors,
		log:       log,
	}
}

// Publish recomputes the breadth table from the full technical and alerts
// tables and replaces it atomically.
func (a *Aggregator) Publish(ctx context.Context) (store.MergeResult, error) {
	rows, err := a.load(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	res, err := a.breadth.Publish(ctx, rows)
	if err != nil {
		return store.MergeResult{}, err
	}
	if err := a.breadth.VerifyMerge(ctx, res); err != nil {
		return store.MergeResult{}, err
	}
	a.log.Info("breadth published", "rows", res.After, "previous", res.Before)
	return res, nil
}

// Plan computes the breadth rows without writing them.
func (a *Aggregator) Plan(ctx context.Context) (store.MergeResult, error) {
	rows, err := a.load(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	existing, err := a.breadth.Read(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	return store.MergeResult{
		Table:    store.TableBreadth,
		Full:     true,
		Before:   len(existing),
		Removed:  len(existing),
		Inserted: len(rows),
		After:    len(rows),
	}, nil
}

func (a *Aggregator) load(ctx context.Context) ([]store.BreadthRecord, error) {
	tech, err := a.technical.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading technical: %w", err)
	}
	alerts, err := a.alerts.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading alerts: %w", err)
	}
	return Compute(tech, alerts, a.sectors), nil
}

type groupKey struct {
	group string
	date  int64
}

type acc struct {
	row      store.BreadthRecord
	capTotal float64
	capAbove float64
}

// Compute builds one ALL row plus one row per known sector for every date
// in tech. Rows are sorted by group then date.
func Compute(tech []store.TechnicalRecord, alerts []store.AlertRecord, sectors SectorLookup) []store.BreadthRecord {
	type flags struct{ high, low bool }
	alertIdx := make(map[groupKey]flags, len(alerts))
	for _, al := range alerts {
		alertIdx[groupKey{al.Symbol, al.Date}] = flags{al.New52WHigh, al.New52WLow}
	}

	accs := make(map[groupKey]*acc)
	add := func(group string, r store.TechnicalRecord, f flags) {
		k := groupKey{group, r.Date}
		a := accs[k]
		if a == nil {
			a = &acc{row: store.BreadthRecord{Group: group, Date: r.Date}}
			accs[k] = a
		}
		a.row.Symbols++
		above200 := r.Close > r.SMA200
		if r.Close > r.SMA50 {
			a.row.AboveSMA50++
		}
		if above200 {
			a.row.AboveSMA200++
		}
		switch {
		case r.Return1D > 0:
			a.row.Advancers++
		case r.Return1D < 0:
			a.row.Decliners++
		default:
			a.row.Unchanged++
		}
		if f.high {
			a.row.NewHighs++
		}
		if f.low {
			a.row.NewLows++
		}
		if r.MarketCap > 0 {
			a.capTotal += r.MarketCap
			if above200 {
				a.capAbove += r.MarketCap
			}
		}
	}

	for _, r := range tech {
		f := alertIdx[groupKey{r.Symbol, r.Date}]
		add(GroupAll, r, f)
		if sectors != nil {
			if sec := sectors.Sector(r.Symbol); sec != "" {
				add(sec, r, f)
			}
		}
	}

	out := make([]store.BreadthRecord, 0, len(accs))
	for _, a := range accs {
		row := a.row
		row.PctAboveSMA50 = float64(row.AboveSMA50) / float64(row.Symbols)
		row.PctAboveSMA200 = float64(row.AboveSMA200) / float64(row.Symbols)
		if a.capTotal > 0 {
			row.CapWeightedAboveSMA200 = a.capAbove / a.capTotal
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Date < out[j].Date
	})
	return out
}
