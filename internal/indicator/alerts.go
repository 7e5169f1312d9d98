package indicator

import (
	"math"

	"halong/internal/domain"
	"halong/internal/store"
)

// Alert thresholds.
const (
	RSIOverbought     = 70.0
	RSIOversold       = 30.0
	VolumeSpikeFactor = 2.0
)

// Alerts emits a row for each session where at least one alert fires. Cross
// detection compares against the previous session's SMA200, so one more
// session than Technical is required.
type Alerts struct{}

func (Alerts) Name() string    { return store.TableAlerts }
func (Alerts) MinHistory() int { return 201 }

// Sparse reports that only firing sessions are stored.
func (Alerts) Sparse() bool { return true }

func (a Alerts) Compute(s domain.Series) ([]store.AlertRecord, error) {
	if err := checkHistory(a.Name(), s, a.MinHistory()); err != nil {
		return nil, err
	}
	n := s.Len()
	closes := s.Closes()
	highs, lows, vols := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, b := range s.Bars {
		highs[i], lows[i], vols[i] = b.High, b.Low, float64(b.Volume)
	}
	sma50, sma200 := SMA(closes, 50), SMA(closes, 200)
	rsi := RSI(closes, 14)
	avgVol := SMA(vols, 20)

	var out []store.AlertRecord
	for i := 200; i < n; i++ {
		b := s.Bars[i]
		lo := max(0, i-sessionsPerYear)
		prevHigh, prevLow := math.Inf(-1), math.Inf(1)
		for j := lo; j < i; j++ {
			prevHigh = math.Max(prevHigh, highs[j])
			prevLow = math.Min(prevLow, lows[j])
		}
		rec := store.AlertRecord{
			Symbol:      s.Symbol,
			Date:        domain.SessionDate(b.Date).UnixMilli(),
			Close:       b.Close,
			RSI14:       rsi[i],
			GoldenCross: sma50[i-1] <= sma200[i-1] && sma50[i] > sma200[i],
			DeathCross:  sma50[i-1] >= sma200[i-1] && sma50[i] < sma200[i],
			Overbought:  rsi[i] > RSIOverbought,
			Oversold:    rsi[i] < RSIOversold,
			New52WHigh:  b.Close > prevHigh,
			New52WLow:   b.Close < prevLow,
			VolumeSpike: avgVol[i-1] > 0 && vols[i] > VolumeSpikeFactor*avgVol[i-1],
		}
		if fires(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func fires(r store.AlertRecord) bool {
	return r.GoldenCross || r.DeathCross || r.Overbought || r.Oversold ||
		r.New52WHigh || r.New52WLow || r.VolumeSpike
}
