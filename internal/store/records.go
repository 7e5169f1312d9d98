package store

import (
	"time"

	"halong/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PriceRecord is the Parquet schema for daily bars in the raw price table.
type PriceRecord struct {
	Symbol    string  `parquet:"symbol"`
	Date      int64   `parquet:"date,timestamp(millisecond)"` // Unix ms, session midnight UTC
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	MarketCap float64 `parquet:"market_cap"`
}

func (r PriceRecord) RowSymbol() string { return r.Symbol }
func (r PriceRecord) RowDate() int64    { return r.Date }

// Bar converts the record to a domain bar.
func (r PriceRecord) Bar() domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Date:      time.UnixMilli(r.Date).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		MarketCap: r.MarketCap,
	}
}

// PriceFromBar converts a domain bar to its on-disk record.
func PriceFromBar(b domain.Bar) PriceRecord {
	return PriceRecord{
		Symbol:    b.Symbol,
		Date:      domain.SessionDate(b.Date).UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		MarketCap: b.MarketCap,
	}
}

// PricesFromBars converts a batch of bars.
func PricesFromBars(bars []domain.Bar) []PriceRecord {
	out := make([]PriceRecord, len(bars))
	for i, b := range bars {
		out[i] = PriceFromBar(b)
	}
	return out
}

// BarsFromPrices converts a batch of records.
func BarsFromPrices(recs []PriceRecord) []domain.Bar {
	out := make([]domain.Bar, len(recs))
	for i, r := range recs {
		out[i] = r.Bar()
	}
	return out
}

// TechnicalRecord holds the per-symbol technical indicators for one session.
type TechnicalRecord struct {
	Symbol      string  `parquet:"symbol"`
	Date        int64   `parquet:"date,timestamp(millisecond)"`
	Close       float64 `parquet:"close"`
	Volume      int64   `parquet:"volume"`
	MarketCap   float64 `parquet:"market_cap"`
	SMA20       float64 `parquet:"sma20"`
	SMA50       float64 `parquet:"sma50"`
	SMA200      float64 `parquet:"sma200"`
	EMA12       float64 `parquet:"ema12"`
	EMA26       float64 `parquet:"ema26"`
	MACD        float64 `parquet:"macd"`
	MACDSignal  float64 `parquet:"macd_signal"`
	MACDHist    float64 `parquet:"macd_hist"`
	RSI14       float64 `parquet:"rsi14"`
	BBUpper     float64 `parquet:"bb_upper"`
	BBMiddle    float64 `parquet:"bb_middle"`
	BBLower     float64 `parquet:"bb_lower"`
	ATR14       float64 `parquet:"atr14"`
	High52W     float64 `parquet:"high_52w"`
	Low52W      float64 `parquet:"low_52w"`
	Return1D    float64 `parquet:"return_1d"`
	AvgVolume20 float64 `parquet:"avg_volume20"`
}

func (r TechnicalRecord) RowSymbol() string { return r.Symbol }
func (r TechnicalRecord) RowDate() int64    { return r.Date }

// AlertRecord is emitted only for sessions where at least one alert fires.
type AlertRecord struct {
	Symbol      string  `parquet:"symbol"`
	Date        int64   `parquet:"date,timestamp(millisecond)"`
	Close       float64 `parquet:"close"`
	RSI14       float64 `parquet:"rsi14"`
	GoldenCross bool    `parquet:"golden_cross"`
	DeathCross  bool    `parquet:"death_cross"`
	Overbought  bool    `parquet:"overbought"`
	Oversold    bool    `parquet:"oversold"`
	New52WHigh  bool    `parquet:"new_52w_high"`
	New52WLow   bool    `parquet:"new_52w_low"`
	VolumeSpike bool    `parquet:"volume_spike"`
}

func (r AlertRecord) RowSymbol() string { return r.Symbol }
func (r AlertRecord) RowDate() int64    { return r.Date }

// MoneyFlowRecord holds volume-weighted flow indicators for one session.
type MoneyFlowRecord struct {
	Symbol       string  `parquet:"symbol"`
	Date         int64   `parquet:"date,timestamp(millisecond)"`
	TypicalPrice float64 `parquet:"typical_price"`
	RawMoneyFlow float64 `parquet:"raw_money_flow"`
	MFI14        float64 `parquet:"mfi14"`
	OBV          float64 `parquet:"obv"`
	CMF20        float64 `parquet:"cmf20"`
	ADLine       float64 `parquet:"ad_line"`
}

func (r MoneyFlowRecord) RowSymbol() string { return r.Symbol }
func (r MoneyFlowRecord) RowDate() int64    { return r.Date }

// BreadthRecord is one cross-symbol aggregate row. Group is "ALL" for the
// whole universe or a sector name.
type BreadthRecord struct {
	Group                  string  `parquet:"group"`
	Date                   int64   `parquet:"date,timestamp(millisecond)"`
	Symbols                int64   `parquet:"symbols"`
	AboveSMA50             int64   `parquet:"above_sma50"`
	AboveSMA200            int64   `parquet:"above_sma200"`
	PctAboveSMA50          float64 `parquet:"pct_above_sma50"`
	PctAboveSMA200         float64 `parquet:"pct_above_sma200"`
	Advancers              int64   `parquet:"advancers"`
	Decliners              int64   `parquet:"decliners"`
	Unchanged              int64   `parquet:"unchanged"`
	NewHighs               int64   `parquet:"new_highs"`
	NewLows                int64   `parquet:"new_lows"`
	CapWeightedAboveSMA200 float64 `parquet:"cap_weighted_above_sma200"`
}

func (r BreadthRecord) RowSymbol() string { return r.Group }
func (r BreadthRecord) RowDate() int64    { return r.Date }

// RankingRecord is one symbol's momentum ranking on the latest session.
type RankingRecord struct {
	Symbol     string  `parquet:"symbol"`
	Date       int64   `parquet:"date,timestamp(millisecond)"`
	Sector     string  `parquet:"sector"`
	Rank       int64   `parquet:"rank"`
	Momentum   float64 `parquet:"momentum"`
	Score      float64 `parquet:"score"`
	Downtrend  bool    `parquet:"downtrend"`
	Penalized  bool    `parquet:"penalized"`
	GatePassed bool    `parquet:"gate_passed"`
}

func (r RankingRecord) RowSymbol() string { return r.Symbol }
func (r RankingRecord) RowDate() int64    { return r.Date }
