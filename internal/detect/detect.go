// Package detect flags anomalous single-session returns in stored price
// history that are likely unadjusted corporate actions.
package detect

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"halong/internal/config"
	"halong/internal/domain"
)

// limitEpsilon absorbs float noise so a return computed exactly at a venue
// ceiling lands on the same side of the boundary every time.
const limitEpsilon = 1e-9

// splitFactors are close/prev-close ratios produced by common forward and
// reverse splits.
var splitFactors = []float64{1.0 / 2, 1.0 / 3, 1.0 / 4, 1.0 / 5, 1.0 / 10, 2, 3, 4, 5, 10}

// Config holds the detector tunables.
type Config struct {
	Lookback            int     // sessions scanned, counting back from the latest
	ZWindow             int     // trailing returns used for mean/stddev
	ZThreshold          float64 // |z| above which a day is flagged
	LimitInclusive      bool    // flag |r| >= ceiling instead of |r| > ceiling
	SplitTolerance      float64 // absolute tolerance on the return when matching split factors
	DividendMinMove     float64
	DividendMaxMove     float64
	VolumeSpikeMultiple float64 // volume / trailing 20-session average
	GapMin              float64 // |open / prev close - 1|
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		Lookback:            365,
		ZWindow:             20,
		ZThreshold:          3.0,
		SplitTolerance:      0.03,
		DividendMinMove:     0.05,
		DividendMaxMove:     0.15,
		VolumeSpikeMultiple: 2.0,
		GapMin:              0.03,
	}
}

// FromConfig maps the application config onto detector settings.
func FromConfig(c config.Detect) Config {
	return Config{
		Lookback:            c.LookbackSessions,
		ZWindow:             c.ZWindow,
		ZThreshold:          c.ZThreshold,
		LimitInclusive:      c.LimitInclusive,
		SplitTolerance:      c.SplitTolerance,
		DividendMinMove:     c.DividendMinMove,
		DividendMaxMove:     c.DividendMaxMove,
		VolumeSpikeMultiple: c.VolumeSpikeMultiple,
		GapMin:              c.GapMin,
	}
}

// Lookuper resolves verified registry records. registry.Index implements it.
type Lookuper interface {
	Lookup(ticker, date string) (domain.CorporateAction, bool)
}

// VenueMap resolves a symbol's venue.
type VenueMap interface {
	Venue(symbol string) string
}

// Detector scans price series for spike candidates. It has no side effects.
type Detector struct {
	cfg            Config
	ceilings       map[string]float64
	defaultCeiling float64
	registry       Lookuper
	log            *slog.Logger
}

// New creates a Detector. ceilings maps venue to its daily move limit;
// defaultVenue's ceiling is used for symbols with an unknown venue. registry
// may be nil.
func New(cfg Config, ceilings map[string]float64, defaultVenue string, registry Lookuper, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:            cfg,
		ceilings:       ceilings,
		defaultCeiling: ceilings[defaultVenue],
		registry:       registry,
		log:            log.With("component", "detect"),
	}
}

// Ceiling returns the venue ceiling for symbol.
func (d *Detector) Ceiling(venues VenueMap, symbol string) float64 {
	if venues != nil {
		if c, ok := d.ceilings[venues.Venue(symbol)]; ok {
			return c
		}
	}
	return d.defaultCeiling
}

// ScanAll scans every series and returns candidates sorted by date, then
// symbol. Running it twice over the same data yields the same list.
func (d *Detector) ScanAll(ctx context.Context, series map[string]domain.Series, venues VenueMap) ([]domain.SpikeCandidate, error) {
	symbols := make([]string, 0, len(series))
	for s := range series {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []domain.SpikeCandidate
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, d.Scan(series[sym], d.Ceiling(venues, sym))...)
	}
	domain.SortCandidates(out)

	corroborated := 0
	for _, c := range out {
		if c.Corroborated {
			corroborated++
		}
	}
	d.log.Info("scan complete", "symbols", len(symbols), "candidates", len(out), "corroborated", corroborated)
	return out, nil
}

// Scan flags the sessions of s within the lookback whose return breaches
// ceiling or whose z-score exceeds the threshold.
func (d *Detector) Scan(s domain.Series, ceiling float64) []domain.SpikeCandidate {
	bars := s.Bars
	n := len(bars)
	if n < 2 {
		return nil
	}
	returns := s.Returns()

	first := 1
	if d.cfg.Lookback > 0 && n-d.cfg.Lookback > first {
		first = n - d.cfg.Lookback
	}

	var out []domain.SpikeCandidate
	for i := first; i < n; i++ {
		prev := bars[i-1].Close
		if prev <= 0 || bars[i].Close <= 0 {
			continue
		}
		r := returns[i]
		limitHit := d.breachesLimit(r, ceiling)
		z, zHit := d.zScore(returns, i)
		if !limitHit && !zHit {
			continue
		}

		c := domain.SpikeCandidate{
			Symbol:         s.Symbol,
			Date:           bars[i].Date,
			DailyReturn:    r,
			Method:         domain.MethodZScore,
			ZScore:         z,
			VolumeMultiple: volumeMultiple(bars, i, 20),
			Gap:            math.Abs(bars[i].Open/prev - 1),
		}
		if limitHit {
			c.Method = domain.MethodExchangeLimit
		}
		d.classify(&c, bars[i].Close/prev)
		out = append(out, c)
	}
	return out
}

func (d *Detector) breachesLimit(r, ceiling float64) bool {
	if ceiling <= 0 {
		return false
	}
	if d.cfg.LimitInclusive {
		return math.Abs(r) >= ceiling-limitEpsilon
	}
	return math.Abs(r) > ceiling+limitEpsilon
}

// zScore scores returns[i] against the ZWindow returns before it. The first
// return (index 0) is a placeholder and never part of a window.
func (d *Detector) zScore(returns []float64, i int) (float64, bool) {
	w := d.cfg.ZWindow
	if w < 2 || i-w < 1 {
		return 0, false
	}
	window := returns[i-w : i]
	mean, std := meanStd(window)
	if std == 0 {
		return 0, false
	}
	z := (returns[i] - mean) / std
	return z, math.Abs(z) > d.cfg.ZThreshold
}

func (d *Detector) classify(c *domain.SpikeCandidate, ratio float64) {
	if d.registry != nil {
		if rec, ok := d.registry.Lookup(c.Symbol, c.Date.Format(domain.DateLayout)); ok {
			c.Classification = rec.ActionType
			c.Ratio = rec.Ratio
			c.FromRegistry = true
			c.Corroborated = true
			return
		}
	}

	volumeSpike := c.VolumeMultiple >= d.cfg.VolumeSpikeMultiple
	gap := c.Gap >= d.cfg.GapMin
	move := math.Abs(c.DailyReturn)

	switch f, ok := d.matchSplit(c.DailyReturn); {
	case ok:
		c.Classification = domain.ClassSplit
		c.Ratio = f
	case move >= d.cfg.DividendMinMove && move <= d.cfg.DividendMaxMove && volumeSpike && gap:
		c.Classification = domain.ClassDividend
		c.Ratio = ratio
	default:
		c.Classification = domain.ClassUnknown
		c.Ratio = ratio
	}

	c.Corroborated = c.Method == domain.MethodExchangeLimit ||
		c.Classification == domain.ClassSplit ||
		volumeSpike || gap
}

// matchSplit returns the split factor closest to 1+r when it is within
// tolerance.
func (d *Detector) matchSplit(r float64) (float64, bool) {
	best, bestDiff := 0.0, math.Inf(1)
	for _, f := range splitFactors {
		diff := math.Abs(r - (f - 1))
		if diff < bestDiff {
			best, bestDiff = f, diff
		}
	}
	return best, bestDiff <= d.cfg.SplitTolerance
}

func volumeMultiple(bars []domain.Bar, i, window int) float64 {
	lo := max(0, i-window)
	if lo == i {
		return 0
	}
	var sum float64
	for _, b := range bars[lo:i] {
		sum += float64(b.Volume)
	}
	avg := sum / float64(i-lo)
	if avg == 0 {
		return 0
	}
	return float64(bars[i].Volume) / avg
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
