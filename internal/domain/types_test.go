package domain

import (
	"math"
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestSeriesValidate(t *testing.T) {
	s := Series{Symbol: "VNM", Bars: []Bar{
		{Symbol: "VNM", Date: day(1), Close: 10},
		{Symbol: "VNM", Date: day(4), Close: 11},
	}}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	dup := Series{Symbol: "VNM", Bars: []Bar{
		{Symbol: "VNM", Date: day(1)},
		{Symbol: "VNM", Date: day(1)},
	}}
	if err := dup.Validate(); err == nil {
		t.Error("Validate() should reject duplicate dates")
	}

	mixed := Series{Symbol: "VNM", Bars: []Bar{{Symbol: "FPT", Date: day(1)}}}
	if err := mixed.Validate(); err == nil {
		t.Error("Validate() should reject foreign symbol")
	}
}

func TestSeriesReturns(t *testing.T) {
	s := Series{Symbol: "HPG", Bars: []Bar{
		{Symbol: "HPG", Date: day(1), Close: 100},
		{Symbol: "HPG", Date: day(4), Close: 100},
		{Symbol: "HPG", Date: day(5), Close: 48},
	}}
	r := s.Returns()
	if len(r) != 3 {
		t.Fatalf("len(Returns()) = %d, want 3", len(r))
	}
	if r[0] != 0 || r[1] != 0 {
		t.Errorf("Returns()[0:2] = %v, want [0 0]", r[:2])
	}
	if math.Abs(r[2]-(-0.52)) > 1e-12 {
		t.Errorf("Returns()[2] = %v, want -0.52", r[2])
	}
}

func TestSeriesTail(t *testing.T) {
	s := Series{Symbol: "X", Bars: make([]Bar, 10)}
	if got := s.Tail(3).Len(); got != 3 {
		t.Errorf("Tail(3).Len() = %d, want 3", got)
	}
	if got := s.Tail(0).Len(); got != 10 {
		t.Errorf("Tail(0).Len() = %d, want 10", got)
	}
	if got := s.Tail(20).Len(); got != 10 {
		t.Errorf("Tail(20).Len() = %d, want 10", got)
	}
}

func TestGroupBars(t *testing.T) {
	bars := []Bar{
		{Symbol: "B", Date: day(5), Close: 2},
		{Symbol: "A", Date: day(4), Close: 1},
		{Symbol: "B", Date: day(4), Close: 1},
		{Symbol: "B", Date: day(5), Close: 3}, // duplicate, last wins
	}
	g := GroupBars(bars)
	if len(g) != 2 {
		t.Fatalf("GroupBars returned %d series, want 2", len(g))
	}
	b := g["B"]
	if b.Len() != 2 {
		t.Fatalf("B has %d bars, want 2", b.Len())
	}
	if !b.Bars[0].Date.Equal(day(4)) {
		t.Errorf("B first date = %v, want %v", b.Bars[0].Date, day(4))
	}
	if b.Bars[1].Close != 3 {
		t.Errorf("B duplicate close = %v, want 3", b.Bars[1].Close)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("grouped series invalid: %v", err)
	}
}

func TestSessionDate(t *testing.T) {
	in := time.Date(2024, 3, 5, 15, 30, 0, 0, time.FixedZone("ICT", 7*3600))
	got := SessionDate(in)
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("SessionDate = %v, want %v", got, want)
	}
}

func TestParseClassification(t *testing.T) {
	cases := map[string]Classification{
		"SPLIT":    ClassSplit,
		"DIVIDEND": ClassDividend,
		"UNKNOWN":  ClassUnknown,
		"merger":   ClassUnknown,
		"":         ClassUnknown,
	}
	for in, want := range cases {
		if got := ParseClassification(in); got != want {
			t.Errorf("ParseClassification(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCandidateOrdering(t *testing.T) {
	cs := []SpikeCandidate{
		{Symbol: "B", Date: day(5), Corroborated: true},
		{Symbol: "A", Date: day(5), Corroborated: false},
		{Symbol: "C", Date: day(4), Corroborated: true},
		{Symbol: "B", Date: day(4), Corroborated: true},
	}
	SortCandidates(cs)
	want := []string{"B", "C", "A", "B"}
	for i, c := range cs {
		if c.Symbol != want[i] {
			t.Fatalf("SortCandidates order = %v, want %v", symbolsOf(cs), want)
		}
	}

	syms := CandidateSymbols(cs)
	if len(syms) != 2 || syms[0] != "B" || syms[1] != "C" {
		t.Errorf("CandidateSymbols = %v, want [B C]", syms)
	}
}

func symbolsOf(cs []SpikeCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Symbol
	}
	return out
}

func TestRunResultSkippedCount(t *testing.T) {
	r := RunResult{Skipped: []SkippedSymbol{
		{Symbol: "A", Reason: SkipFetchFailed},
		{Symbol: "B", Reason: SkipInsufficientHistory},
		{Symbol: "C", Reason: SkipFetchFailed},
	}}
	if got := r.SkippedCount(SkipFetchFailed); got != 2 {
		t.Errorf("SkippedCount(fetch_failed) = %d, want 2", got)
	}
	if got := r.SkippedCount(SkipBelowThreshold); got != 0 {
		t.Errorf("SkippedCount(below_threshold) = %d, want 0", got)
	}
	if !(RefreshJob{}).Empty() {
		t.Error("zero RefreshJob should be empty")
	}
}
