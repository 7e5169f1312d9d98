package indicator

import (
	"math"
)

// Every function below returns a slice aligned with its input. Positions
// without enough history hold NaN.

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA calculates the simple moving average.
func SMA(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= period {
			sum -= xs[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average, seeded with the SMA of the
// first period defined values. Leading NaNs in xs are skipped.
func EMA(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 {
		return out
	}
	start := 0
	for start < len(xs) && math.IsNaN(xs[start]) {
		start++
	}
	seed := start + period - 1
	if seed >= len(xs) {
		return out
	}
	var sum float64
	for i := start; i <= seed; i++ {
		sum += xs[i]
	}
	out[seed] = sum / float64(period)
	k := 2.0 / (float64(period) + 1)
	for i := seed + 1; i < len(xs); i++ {
		out[i] = xs[i]*k + out[i-1]*(1-k)
	}
	return out
}

// MACD calculates the MACD line (fast EMA - slow EMA), its signal EMA and the
// histogram.
func MACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, hist []float64) {
	ef, es := EMA(closes, fast), EMA(closes, slow)
	macd = nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(ef[i]) && !math.IsNaN(es[i]) {
			macd[i] = ef[i] - es[i]
		}
	}
	signal = EMA(macd, signalPeriod)
	hist = nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(macd[i]) && !math.IsNaN(signal[i]) {
			hist[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, hist
}

// RSI calculates the relative strength index with Wilder smoothing. The
// first value is defined at index period.
func RSI(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		g, l := gainLoss(closes[i] - closes[i-1])
		avgGain += g
		avgLoss += l
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		g, l := gainLoss(closes[i] - closes[i-1])
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func gainLoss(change float64) (float64, float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// Bollinger calculates Bollinger Bands with a population standard deviation.
func Bollinger(closes []float64, period int, width float64) (upper, middle, lower []float64) {
	middle = SMA(closes, period)
	upper, lower = nanSlice(len(closes)), nanSlice(len(closes))
	for i := period - 1; i < len(closes) && period > 0; i++ {
		var ss float64
		for _, x := range closes[i-period+1 : i+1] {
			d := x - middle[i]
			ss += d * d
		}
		std := math.Sqrt(ss / float64(period))
		upper[i] = middle[i] + width*std
		lower[i] = middle[i] - width*std
	}
	return upper, middle, lower
}

// ATR calculates the average true range with Wilder smoothing. The first
// value is defined at index period.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period <= 0 || n <= period {
		return out
	}
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// RollingMax returns the max over the last period values, using whatever is
// available at the start of the series.
func RollingMax(xs []float64, period int) []float64 {
	return rolling(xs, period, math.Max)
}

// RollingMin is RollingMax for the minimum.
func RollingMin(xs []float64, period int) []float64 {
	return rolling(xs, period, math.Min)
}

func rolling(xs []float64, period int, pick func(a, b float64) float64) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		lo := max(0, i-period+1)
		v := xs[lo]
		for _, x := range xs[lo+1 : i+1] {
			v = pick(v, x)
		}
		out[i] = v
	}
	return out
}

func allDefined(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
