// Package ranking scores symbols by momentum and applies a downtrend penalty
// that only runs when the price data passes a sanity gate.
package ranking

import (
	"math"
	"sort"
	"time"

	"halong/internal/domain"
)

// DefaultSanityCeiling is the largest single-day move the gate accepts.
const DefaultSanityCeiling = 0.50

// Violation is one (symbol, date) whose daily return exceeds the ceiling.
type Violation struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Return float64   `json:"return"`
}

// GateResult is the outcome of a sanity check.
type GateResult struct {
	Passed     bool        `json:"passed"`
	Ceiling    float64     `json:"ceiling"`
	Violations []Violation `json:"violations,omitempty"`
}

// Gate checks price history for moves no real session produces, which
// indicate an unrepaired corporate action.
type Gate struct {
	Ceiling float64
}

// Check scans every series and reports violations sorted by symbol and date.
func (g Gate) Check(series map[string]domain.Series) GateResult {
	ceiling := g.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultSanityCeiling
	}
	res := GateResult{Ceiling: ceiling}
	for sym, s := range series {
		rets := s.Returns()
		for i := 1; i < len(rets); i++ {
			if math.Abs(rets[i]) > ceiling {
				res.Violations = append(res.Violations, Violation{Symbol: sym, Date: s.Bars[i].Date, Return: rets[i]})
			}
		}
	}
	sort.Slice(res.Violations, func(i, j int) bool {
		a, b := res.Violations[i], res.Violations[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Date.Before(b.Date)
	})
	res.Passed = len(res.Violations) == 0
	return res
}
