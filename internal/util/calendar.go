package util

import (
	"time"
)

// TradingCalendar converts between trading sessions and calendar dates using
// a weekday calendar with an optional holiday set. It is an approximation used
// to size fetch windows, never to decide which bars exist.
type TradingCalendar struct {
	holidays map[string]struct{}
}

// NewTradingCalendar creates a TradingCalendar that treats the given dates
// (YYYY-MM-DD) as non-trading days in addition to weekends.
func NewTradingCalendar(holidays ...string) *TradingCalendar {
	h := make(map[string]struct{}, len(holidays))
	for _, d := range holidays {
		h[d] = struct{}{}
	}
	return &TradingCalendar{holidays: h}
}

// IsSession reports whether t falls on a trading day.
func (tc *TradingCalendar) IsSession(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := tc.holidays[t.Format("2006-01-02")]
	return !holiday
}

// SessionsBefore returns the date n trading sessions before end (end itself
// counts as the first session when it is a trading day).
func (tc *TradingCalendar) SessionsBefore(end time.Time, n int) time.Time {
	d := end
	for count := 0; ; d = d.AddDate(0, 0, -1) {
		if tc.IsSession(d) {
			count++
			if count >= n {
				return d
			}
		}
	}
}

// PreviousSession returns the most recent trading day strictly before t.
func (tc *TradingCalendar) PreviousSession(t time.Time) time.Time {
	d := t.AddDate(0, 0, -1)
	for !tc.IsSession(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
