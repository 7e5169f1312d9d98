package gather

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"halong/internal/domain"
	"halong/internal/source"
	"halong/internal/store"
)

type stubSource struct {
	mu      sync.Mutex
	session time.Time
	bars    map[string][]domain.Bar
	fail    map[string]bool
	calls   map[string]int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) LatestSession(context.Context) (time.Time, error) { return s.session, nil }

func (s *stubSource) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if s.fail[symbol] {
		return nil, errors.New("timeout")
	}
	var out []domain.Bar
	for _, b := range s.bars[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, source.ErrNoData)
	}
	return out, nil
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Publish(context.Context) error { c.n++; return nil }

func sess(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }

func TestDailyIngestIsIdempotentPerSession(t *testing.T) {
	dir := t.TempDir()
	layout := store.NewLayout(dir)
	tables := layout.Open()
	universe := store.NewUniverse([]store.Member{{Symbol: "VNM"}, {Symbol: "FPT"}, {Symbol: "DEL"}})

	src := &stubSource{
		session: sess(14),
		bars: map[string][]domain.Bar{
			"VNM": {{Symbol: "VNM", Date: sess(13), Close: 65}, {Symbol: "VNM", Date: sess(14), Close: 66}},
			"FPT": {{Symbol: "FPT", Date: sess(14), Close: 130}},
		},
		calls: map[string]int{},
	}
	inv := &countingInvalidator{}
	g := NewDailyBarGatherer(src, tables.Prices, universe, Options{
		HistoryStart: sess(1),
		ProgressDir:  filepath.Join(dir, "progress"),
		Invalidator:  inv,
	})

	res, err := g.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Added != 3 || res.Empty != 1 || len(res.Failed) != 0 {
		t.Errorf("Result = %+v, want added=3 empty=1 failed=0", res)
	}
	if inv.n != 1 {
		t.Errorf("invalidations = %d, want 1", inv.n)
	}

	again, err := g.Ingest(context.Background())
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if !again.Skipped {
		t.Error("second Ingest for the same session should be skipped")
	}
	if src.calls["VNM"] != 1 {
		t.Errorf("VNM fetched %d times, want 1", src.calls["VNM"])
	}

	// Next session only fetches from the day after the last stored bar.
	src.session = sess(17)
	src.bars["VNM"] = append(src.bars["VNM"], domain.Bar{Symbol: "VNM", Date: sess(17), Close: 67})
	res, err = g.Ingest(context.Background())
	if err != nil {
		t.Fatalf("third Ingest: %v", err)
	}
	if res.Added != 1 || res.Updated != 0 {
		t.Errorf("third Result = %+v, want added=1 updated=0", res)
	}
	rows, _ := tables.Prices.ReadSymbols(context.Background(), []string{"VNM"})
	if len(rows) != 3 {
		t.Errorf("VNM rows = %d, want 3", len(rows))
	}
}

func TestDailyIngestFailureLeavesSessionOpen(t *testing.T) {
	dir := t.TempDir()
	tables := store.NewLayout(dir).Open()
	universe := store.NewUniverse([]store.Member{{Symbol: "VNM"}, {Symbol: "HPG"}})
	src := &stubSource{
		session: sess(14),
		bars:    map[string][]domain.Bar{"VNM": {{Symbol: "VNM", Date: sess(14), Close: 66}}},
		fail:    map[string]bool{"HPG": true},
		calls:   map[string]int{},
	}
	g := NewDailyBarGatherer(src, tables.Prices, universe, Options{
		HistoryStart: sess(1),
		ProgressDir:  filepath.Join(dir, "progress"),
	})

	res, err := g.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Symbol != "HPG" || res.Failed[0].Reason != domain.SkipFetchFailed {
		t.Fatalf("Failed = %+v, want HPG fetch_failed", res.Failed)
	}

	src.fail = nil
	src.bars["HPG"] = []domain.Bar{{Symbol: "HPG", Date: sess(14), Close: 28}}
	res, err = g.Ingest(context.Background())
	if err != nil {
		t.Fatalf("retry Ingest: %v", err)
	}
	if res.Skipped {
		t.Fatal("session with failures must not be marked completed")
	}
	if res.Added != 1 {
		t.Errorf("retry added = %d, want 1 (HPG only)", res.Added)
	}
}
