package indicator

import (
	"halong/internal/domain"
	"halong/internal/store"
)

// MoneyFlow computes volume-weighted flow indicators. CMF20 is the slowest,
// defined from the 20th session.
type MoneyFlow struct{}

func (MoneyFlow) Name() string    { return store.TableMoneyFlow }
func (MoneyFlow) MinHistory() int { return 20 }

func (m MoneyFlow) Compute(s domain.Series) ([]store.MoneyFlowRecord, error) {
	if err := checkHistory(m.Name(), s, m.MinHistory()); err != nil {
		return nil, err
	}
	n := s.Len()
	typical := make([]float64, n)
	raw := make([]float64, n)
	mfVolume := make([]float64, n)
	vols := make([]float64, n)
	obv := make([]float64, n)
	ad := make([]float64, n)

	for i, b := range s.Bars {
		vol := float64(b.Volume)
		vols[i] = vol
		typical[i] = (b.High + b.Low + b.Close) / 3
		raw[i] = typical[i] * vol

		var mult float64
		if rng := b.High - b.Low; rng > 0 {
			mult = ((b.Close - b.Low) - (b.High - b.Close)) / rng
		}
		mfVolume[i] = mult * vol

		if i == 0 {
			ad[i] = mfVolume[i]
			continue
		}
		ad[i] = ad[i-1] + mfVolume[i]
		prev := s.Bars[i-1].Close
		switch {
		case b.Close > prev:
			obv[i] = obv[i-1] + vol
		case b.Close < prev:
			obv[i] = obv[i-1] - vol
		default:
			obv[i] = obv[i-1]
		}
	}

	mfi := moneyFlowIndex(typical, raw, 14)
	cmf := chaikin(mfVolume, vols, 20)

	var out []store.MoneyFlowRecord
	for i, b := range s.Bars {
		if !allDefined(mfi[i], cmf[i]) {
			continue
		}
		out = append(out, store.MoneyFlowRecord{
			Symbol:       s.Symbol,
			Date:         domain.SessionDate(b.Date).UnixMilli(),
			TypicalPrice: typical[i],
			RawMoneyFlow: raw[i],
			MFI14:        mfi[i],
			OBV:          obv[i],
			CMF20:        cmf[i],
			ADLine:       ad[i],
		})
	}
	return out, nil
}

// moneyFlowIndex sums positive and negative raw flow over the last period
// typical-price changes. The first value is defined at index period.
func moneyFlowIndex(typical, raw []float64, period int) []float64 {
	out := nanSlice(len(typical))
	for i := period; i < len(typical); i++ {
		var pos, neg float64
		for j := i - period + 1; j <= i; j++ {
			switch {
			case typical[j] > typical[j-1]:
				pos += raw[j]
			case typical[j] < typical[j-1]:
				neg += raw[j]
			}
		}
		switch {
		case neg == 0 && pos == 0:
			out[i] = 50
		case neg == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+pos/neg)
		}
	}
	return out
}

func chaikin(mfVolume, vols []float64, period int) []float64 {
	out := nanSlice(len(vols))
	for i := period - 1; i < len(vols); i++ {
		var sumMF, sumV float64
		for j := i - period + 1; j <= i; j++ {
			sumMF += mfVolume[j]
			sumV += vols[j]
		}
		if sumV > 0 {
			out[i] = sumMF / sumV
		} else {
			out[i] = 0
		}
	}
	return out
}
