// Package testutil builds synthetic price data for tests.
package testutil

import (
	"time"

	"halong/internal/domain"
	"halong/internal/store"
)

// Start is the first session used by the generators.
var Start = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// Sessions returns n weekday dates starting at Start.
func Sessions(n int) []time.Time {
	out := make([]time.Time, 0, n)
	for d := Start; len(out) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Series builds a series from closes. High and low sit 1% around the close
// and volume is constant.
func Series(symbol string, closes []float64) domain.Series {
	dates := Sessions(len(closes))
	s := domain.Series{Symbol: symbol, Bars: make([]domain.Bar, len(closes))}
	for i, c := range closes {
		s.Bars[i] = domain.Bar{
			Symbol:    symbol,
			Date:      dates[i],
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    1_000_000,
			MarketCap: c * 1e7,
		}
	}
	return s
}

// Linear returns n closes starting at start and moving by step per session.
func Linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

// Wave returns n closes oscillating gently around base, phase shifted by
// seed so different symbols differ.
func Wave(n int, base float64, seed int) []float64 {
	out := make([]float64, n)
	for i := range out {
		k := (i + seed) % 10
		if k > 5 {
			k = 10 - k
		}
		out[i] = base * (1 + 0.004*float64(k) + 0.0005*float64(i))
	}
	return out
}

// Prices converts series to price records.
func Prices(series ...domain.Series) []store.PriceRecord {
	var out []store.PriceRecord
	for _, s := range series {
		out = append(out, store.PricesFromBars(s.Bars)...)
	}
	return out
}

// Scale returns a copy of s with prices multiplied by f from index from on.
func Scale(s domain.Series, from int, f float64) domain.Series {
	out := domain.Series{Symbol: s.Symbol, Bars: make([]domain.Bar, len(s.Bars))}
	copy(out.Bars, s.Bars)
	for i := from; i < len(out.Bars); i++ {
		b := &out.Bars[i]
		b.Open *= f
		b.High *= f
		b.Low *= f
		b.Close *= f
	}
	return out
}
