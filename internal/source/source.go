// Package source fetches adjusted daily bars from upstream market-data
// providers.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"halong/internal/config"
	"halong/internal/domain"
)

// ErrNoData is returned when the provider has no bars for the symbol and
// range. It is not retried and does not trip the circuit breaker.
var ErrNoData = errors.New("source: no data")

// Source fetches split- and dividend-adjusted daily bars.
type Source interface {
	// Name returns the provider identifier.
	Name() string
	// FetchBars returns bars for symbol in [start, end], sorted by date,
	// with dates normalised to session midnight UTC.
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// SessionSource is implemented by providers that know the exchange calendar.
type SessionSource interface {
	LatestSession(ctx context.Context) (time.Time, error)
}

// New builds the configured provider wrapped in a Guarded source.
func New(cfg config.Source, log *slog.Logger) (*Guarded, error) {
	var inner Source
	switch cfg.Provider {
	case "alpaca":
		inner = NewAlpaca(cfg.Alpaca)
	case "yahoo":
		inner = NewYahoo(cfg.Yahoo)
	default:
		return nil, fmt.Errorf("unknown source provider %q", cfg.Provider)
	}
	return NewGuarded(inner, GuardOptions{
		RatePerMinute:   cfg.RateLimitPerMin,
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, log), nil
}

// filterRange keeps bars in [start, end] by session date, sorted by date.
func filterRange(bars []domain.Bar, start, end time.Time) []domain.Bar {
	lo, hi := domain.SessionDate(start), domain.SessionDate(end)
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Date.Before(lo) || b.Date.After(hi) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
