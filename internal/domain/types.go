// Package domain defines the core types shared across the halong pipeline:
// price bars, spike candidates, corporate actions, and run results.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the canonical on-disk and wire format for session dates.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Price data
// ---------------------------------------------------------------------------

// Bar is a single daily price bar for one symbol. Dates are normalised to
// midnight UTC of the trading session.
type Bar struct {
	Symbol    string
	Date      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	MarketCap float64
}

// Series is the ordered sequence of bars for one symbol.
type Series struct {
	Symbol string
	Bars   []Bar
}

// Validate checks that every bar belongs to the series symbol and that dates
// are strictly increasing.
func (s Series) Validate() error {
	for i, b := range s.Bars {
		if b.Symbol != s.Symbol {
			return fmt.Errorf("bar %d has symbol %q, series is %q", i, b.Symbol, s.Symbol)
		}
		if i > 0 && !b.Date.After(s.Bars[i-1].Date) {
			return fmt.Errorf("%s: dates not strictly increasing at %s", s.Symbol, b.Date.Format(DateLayout))
		}
	}
	return nil
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Bars) }

// Closes returns the close prices in date order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Returns returns simple daily returns aligned with the bars. The first
// element is 0 because it has no previous close.
func (s Series) Returns() []float64 {
	out := make([]float64, len(s.Bars))
	for i := 1; i < len(s.Bars); i++ {
		prev := s.Bars[i-1].Close
		if prev == 0 {
			continue
		}
		out[i] = s.Bars[i].Close/prev - 1
	}
	return out
}

// Tail returns a series containing at most the last n bars.
func (s Series) Tail(n int) Series {
	if n <= 0 || n >= len(s.Bars) {
		return s
	}
	return Series{Symbol: s.Symbol, Bars: s.Bars[len(s.Bars)-n:]}
}

// GroupBars splits bars into per-symbol series sorted by date. Duplicate
// (symbol, date) pairs keep the last occurrence.
func GroupBars(bars []Bar) map[string]Series {
	bySymbol := make(map[string]map[int64]Bar)
	for _, b := range bars {
		m := bySymbol[b.Symbol]
		if m == nil {
			m = make(map[int64]Bar)
			bySymbol[b.Symbol] = m
		}
		m[b.Date.Unix()] = b
	}

	out := make(map[string]Series, len(bySymbol))
	for sym, m := range bySymbol {
		s := Series{Symbol: sym, Bars: make([]Bar, 0, len(m))}
		for _, b := range m {
			s.Bars = append(s.Bars, b)
		}
		sort.Slice(s.Bars, func(i, j int) bool { return s.Bars[i].Date.Before(s.Bars[j].Date) })
		out[sym] = s
	}
	return out
}

// SessionDate truncates t to midnight UTC of its calendar date.
func SessionDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Spike detection
// ---------------------------------------------------------------------------

// DetectionMethod names the rule that flagged a spike.
type DetectionMethod string

const (
	MethodExchangeLimit DetectionMethod = "exchange_limit"
	MethodZScore        DetectionMethod = "z_score"
)

// Classification is the inferred cause of a flagged spike.
type Classification string

const (
	ClassSplit    Classification = "SPLIT"
	ClassDividend Classification = "DIVIDEND"
	ClassUnknown  Classification = "UNKNOWN"
)

// ParseClassification parses a classification name, defaulting to UNKNOWN.
func ParseClassification(s string) Classification {
	switch Classification(s) {
	case ClassSplit, ClassDividend:
		return Classification(s)
	}
	return ClassUnknown
}

// SpikeCandidate is a single anomalous session flagged by the detector. It is
// transient: produced and consumed within one run.
type SpikeCandidate struct {
	Symbol         string
	Date           time.Time
	DailyReturn    float64
	Method         DetectionMethod
	Classification Classification
	// Ratio is the matched split factor for SPLIT, the registry ratio for
	// registry hits, and close/prev-close otherwise.
	Ratio          float64
	ZScore         float64
	VolumeMultiple float64
	Gap            float64
	Corroborated   bool
	FromRegistry   bool
}

// SortCandidates orders candidates by date, then symbol.
func SortCandidates(cs []SpikeCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].Date.Equal(cs[j].Date) {
			return cs[i].Date.Before(cs[j].Date)
		}
		return cs[i].Symbol < cs[j].Symbol
	})
}

// CandidateSymbols returns the sorted distinct symbols of corroborated
// candidates.
func CandidateSymbols(cs []SpikeCandidate) []string {
	seen := make(map[string]struct{})
	for _, c := range cs {
		if c.Corroborated {
			seen[c.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Corporate actions
// ---------------------------------------------------------------------------

// CorporateAction is a curated (ticker, date) event record.
type CorporateAction struct {
	Ticker     string         `db:"ticker"`
	Date       string         `db:"date"` // YYYY-MM-DD
	ActionType Classification `db:"action_type"`
	Ratio      float64        `db:"ratio"`
	Verified   bool           `db:"verified"`
	Source     string         `db:"source"`
	Notes      string         `db:"notes"`
}

// ---------------------------------------------------------------------------
// Run bookkeeping
// ---------------------------------------------------------------------------

// RefreshJob is the transient unit of work handed from the reconciler to the
// orchestrator.
type RefreshJob struct {
	Symbols          []string
	LookbackSessions int
}

// Empty reports whether the job refreshes nothing.
func (j RefreshJob) Empty() bool { return len(j.Symbols) == 0 }

// SkipReason explains why a symbol was left out of a stage.
type SkipReason string

const (
	SkipFetchFailed         SkipReason = "fetch_failed"
	SkipInsufficientOverlap SkipReason = "insufficient_overlap"
	SkipInsufficientHistory SkipReason = "insufficient_history"
	SkipBelowThreshold      SkipReason = "below_threshold"
)

// SkippedSymbol records a symbol excluded from a stage and why.
type SkippedSymbol struct {
	Symbol string     `json:"symbol"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// StoreResult summarises one store write during a run.
type StoreResult struct {
	Store       string `json:"store"`
	RowsBefore  int    `json:"rows_before"`
	RowsAfter   int    `json:"rows_after"`
	SymbolsHit  int    `json:"symbols_replaced"`
	FullPublish bool   `json:"full_publish"`
}

// RunResult reports per-phase counts for a pipeline run.
type RunResult struct {
	RunID                 string          `json:"run_id"`
	Mode                  string          `json:"mode"`
	DryRun                bool            `json:"dry_run"`
	Candidates            int             `json:"candidates"`
	CandidateSymbols      []string        `json:"candidate_symbols"`
	Unknown               int             `json:"unknown_candidates"`
	Confirmed             []string        `json:"confirmed"`
	Refreshed             []string        `json:"refreshed"`
	// Stale are symbols whose derived rows lagged their raw history, such as
	// after an ingest, and were recomputed alongside the refreshed ones.
	Stale                 []string        `json:"stale"`
	Skipped               []SkippedSymbol `json:"skipped"`
	Stores                []StoreResult   `json:"stores"`
	AggregatePublished    bool            `json:"aggregate_published"`
	RankingPublished      bool            `json:"ranking_published"`
	GatePassed            bool            `json:"gate_passed"`
	InvalidationPublished bool            `json:"invalidation_published"`
	Started               time.Time       `json:"started"`
	Finished              time.Time       `json:"finished"`
}

// SkippedCount returns the number of skipped symbols with the given reason.
func (r *RunResult) SkippedCount(reason SkipReason) int {
	n := 0
	for _, s := range r.Skipped {
		if s.Reason == reason {
			n++
		}
	}
	return n
}
