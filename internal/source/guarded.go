package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"halong/internal/domain"
	"halong/internal/util"
)

var _ Source = (*Guarded)(nil)

// GuardOptions configures a Guarded source.
type GuardOptions struct {
	RatePerMinute   int
	MaxAttempts     int
	BaseDelay       time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Guarded wraps a Source with a rate limiter, retries with exponential
// backoff, and a circuit breaker. Once the breaker opens, calls fail fast so
// a batch can record per-symbol failures and move on.
type Guarded struct {
	inner   Source
	limiter *util.RateLimiter
	breaker *gobreaker.CircuitBreaker
	opts    GuardOptions
	log     *slog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner Source, opts GuardOptions, log *slog.Logger) *Guarded {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("source", inner.Name())

	st := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(opts.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}
	return &Guarded{
		inner:   inner,
		limiter: util.NewRateLimiter(opts.RatePerMinute),
		breaker: gobreaker.NewCircuitBreaker(st),
		opts:    opts,
		log:     log,
	}
}

// Name returns the wrapped provider's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// FetchBars fetches through the limiter, retry loop, and breaker.
func (g *Guarded) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.opts.MaxAttempts, g.opts.BaseDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.FetchBars(ctx, symbol, start, end)
		})
		switch {
		case err == nil:
			bars = out.([]domain.Bar)
			return nil
		case errors.Is(err, ErrNoData),
			errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests),
			ctx.Err() != nil:
			return util.Permanent(err)
		default:
			g.log.Debug("fetch attempt failed", "symbol", symbol, "error", err)
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", symbol, err)
	}
	return bars, nil
}

// LatestSession delegates to the wrapped source when it knows the calendar.
// Otherwise the previous weekday session before now is returned.
func (g *Guarded) LatestSession(ctx context.Context) (time.Time, error) {
	if ss, ok := g.inner.(SessionSource); ok {
		return ss.LatestSession(ctx)
	}
	return domain.SessionDate(util.NewTradingCalendar().PreviousSession(time.Now().UTC())), nil
}

// State returns the breaker state name, for logs and metrics.
func (g *Guarded) State() string { return g.breaker.State().String() }
