package indicator

import (
	"halong/internal/domain"
	"halong/internal/store"
)

const sessionsPerYear = 252

// Technical computes moving averages, oscillators and bands. The slowest
// input is SMA200, so rows start at the 200th session.
type Technical struct{}

func (Technical) Name() string    { return store.TableTechnical }
func (Technical) MinHistory() int { return 200 }

func (t Technical) Compute(s domain.Series) ([]store.TechnicalRecord, error) {
	if err := checkHistory(t.Name(), s, t.MinHistory()); err != nil {
		return nil, err
	}
	n := s.Len()
	closes := s.Closes()
	highs, lows, vols := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, b := range s.Bars {
		highs[i], lows[i], vols[i] = b.High, b.Low, float64(b.Volume)
	}
	rets := s.Returns()

	sma20, sma50, sma200 := SMA(closes, 20), SMA(closes, 50), SMA(closes, 200)
	ema12, ema26 := EMA(closes, 12), EMA(closes, 26)
	macd, signal, hist := MACD(closes, 12, 26, 9)
	rsi := RSI(closes, 14)
	bbU, bbM, bbL := Bollinger(closes, 20, 2)
	atr := ATR(highs, lows, closes, 14)
	hi52, lo52 := RollingMax(highs, sessionsPerYear), RollingMin(lows, sessionsPerYear)
	avgVol := SMA(vols, 20)

	var out []store.TechnicalRecord
	for i, b := range s.Bars {
		if !allDefined(sma20[i], sma50[i], sma200[i], ema12[i], ema26[i], macd[i], signal[i],
			hist[i], rsi[i], bbU[i], bbL[i], atr[i], avgVol[i]) {
			continue
		}
		out = append(out, store.TechnicalRecord{
			Symbol:      s.Symbol,
			Date:        domain.SessionDate(b.Date).UnixMilli(),
			Close:       b.Close,
			Volume:      b.Volume,
			MarketCap:   b.MarketCap,
			SMA20:       sma20[i],
			SMA50:       sma50[i],
			SMA200:      sma200[i],
			EMA12:       ema12[i],
			EMA26:       ema26[i],
			MACD:        macd[i],
			MACDSignal:  signal[i],
			MACDHist:    hist[i],
			RSI14:       rsi[i],
			BBUpper:     bbU[i],
			BBMiddle:    bbM[i],
			BBLower:     bbL[i],
			ATR14:       atr[i],
			High52W:     hi52[i],
			Low52W:      lo52[i],
			Return1D:    rets[i],
			AvgVolume20: avgVol[i],
		})
	}
	return out, nil
}
