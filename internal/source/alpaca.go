package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"halong/internal/config"
	"halong/internal/domain"
)

var (
	_ Source        = (*Alpaca)(nil)
	_ SessionSource = (*Alpaca)(nil)
)

// Alpaca fetches fully adjusted (split and dividend) daily bars from the
// Alpaca market-data API.
type Alpaca struct {
	client  *marketdata.Client
	trading *alpaca.Client
	feed    string
}

// NewAlpaca creates an Alpaca source from cfg.
func NewAlpaca(cfg config.Alpaca) *Alpaca {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return &Alpaca{
		client: marketdata.NewClient(opts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		feed: cfg.Feed,
	}
}

// Name returns the provider identifier.
func (a *Alpaca) Name() string { return "alpaca" }

// FetchBars fetches daily bars for symbol with Adjustment=all.
func (a *Alpaca) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	abars, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      start,
		End:        end.AddDate(0, 0, 1),
		Adjustment: marketdata.All,
		Feed:       marketdata.Feed(a.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	if len(abars) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}

	bars := make([]domain.Bar, 0, len(abars))
	for _, ab := range abars {
		bars = append(bars, domain.Bar{
			Symbol: strings.ToUpper(symbol),
			Date:   domain.SessionDate(ab.Timestamp),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	return filterRange(bars, start, end), nil
}

// LatestSession returns the most recent trading day whose session has ended
// (after 20:05 ET to let extended-hours data settle), using the Alpaca
// trading calendar.
func (a *Alpaca) LatestSession(ctx context.Context) (time.Time, error) {
	if ctx.Err() != nil {
		return time.Time{}, ctx.Err()
	}
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}

	now := time.Now().In(et)
	calendar, err := a.trading.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	return latestFinished(calendar, now)
}

func latestFinished(calendar []alpaca.CalendarDay, now time.Time) (time.Time, error) {
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format(domain.DateLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, now.Location())

	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day.Date == today {
			if now.After(cutoff) {
				t, _ := time.Parse(domain.DateLayout, day.Date)
				return t, nil
			}
			continue
		}
		dayDate, err := time.Parse(domain.DateLayout, day.Date)
		if err != nil {
			continue
		}
		if dayDate.Format(domain.DateLayout) < today {
			return dayDate, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
