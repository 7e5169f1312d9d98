package api

import (
	"time"

	"halong/internal/domain"
	"halong/internal/store"
)

// BreadthRow is the wire form of one breadth row.
type BreadthRow struct {
	Group                  string  `json:"group"`
	Date                   string  `json:"date"`
	Symbols                int64   `json:"symbols"`
	AboveSMA50             int64   `json:"above_sma50"`
	AboveSMA200            int64   `json:"above_sma200"`
	PctAboveSMA50          float64 `json:"pct_above_sma50"`
	PctAboveSMA200         float64 `json:"pct_above_sma200"`
	Advancers              int64   `json:"advancers"`
	Decliners              int64   `json:"decliners"`
	Unchanged              int64   `json:"unchanged"`
	NewHighs               int64   `json:"new_highs"`
	NewLows                int64   `json:"new_lows"`
	CapWeightedAboveSMA200 float64 `json:"cap_weighted_above_sma200"`
}

// BreadthResponse is returned by GET /api/breadth.
type BreadthResponse struct {
	Date string       `json:"date"`
	Rows []BreadthRow `json:"rows"`
}

// IndicatorRow is the wire form of one technical row.
type IndicatorRow struct {
	Date       string  `json:"date"`
	Close      float64 `json:"close"`
	SMA20      float64 `json:"sma20"`
	SMA50      float64 `json:"sma50"`
	SMA200     float64 `json:"sma200"`
	EMA12      float64 `json:"ema12"`
	EMA26      float64 `json:"ema26"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	RSI14      float64 `json:"rsi14"`
	BBUpper    float64 `json:"bb_upper"`
	BBLower    float64 `json:"bb_lower"`
	ATR14      float64 `json:"atr14"`
	High52W    float64 `json:"high_52w"`
	Low52W     float64 `json:"low_52w"`
	Return1D   float64 `json:"return_1d"`
}

// IndicatorsResponse is returned by GET /api/indicators/{symbol}.
type IndicatorsResponse struct {
	Symbol string         `json:"symbol"`
	Rows   []IndicatorRow `json:"rows"`
}

// RankingRow is the wire form of one ranking row.
type RankingRow struct {
	Rank      int64   `json:"rank"`
	Symbol    string  `json:"symbol"`
	Sector    string  `json:"sector,omitempty"`
	Momentum  float64 `json:"momentum"`
	Score     float64 `json:"score"`
	Downtrend bool    `json:"downtrend"`
	Penalized bool    `json:"penalized"`
}

// RankingResponse is returned by GET /api/ranking.
type RankingResponse struct {
	Date       string       `json:"date"`
	GatePassed bool         `json:"gate_passed"`
	Rows       []RankingRow `json:"rows"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string    `json:"status"`
	Loaded time.Time `json:"loaded"`
}

func formatDate(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(domain.DateLayout)
}

func breadthRow(r store.BreadthRecord) BreadthRow {
	return BreadthRow{
		Group:                  r.Group,
		Date:                   formatDate(r.Date),
		Symbols:                r.Symbols,
		AboveSMA50:             r.AboveSMA50,
		AboveSMA200:            r.AboveSMA200,
		PctAboveSMA50:          r.PctAboveSMA50,
		PctAboveSMA200:         r.PctAboveSMA200,
		Advancers:              r.Advancers,
		Decliners:              r.Decliners,
		Unchanged:              r.Unchanged,
		NewHighs:               r.NewHighs,
		NewLows:                r.NewLows,
		CapWeightedAboveSMA200: r.CapWeightedAboveSMA200,
	}
}

func indicatorRow(r store.TechnicalRecord) IndicatorRow {
	return IndicatorRow{
		Date:       formatDate(r.Date),
		Close:      r.Close,
		SMA20:      r.SMA20,
		SMA50:      r.SMA50,
		SMA200:     r.SMA200,
		EMA12:      r.EMA12,
		EMA26:      r.EMA26,
		MACD:       r.MACD,
		MACDSignal: r.MACDSignal,
		RSI14:      r.RSI14,
		BBUpper:    r.BBUpper,
		BBLower:    r.BBLower,
		ATR14:      r.ATR14,
		High52W:    r.High52W,
		Low52W:     r.Low52W,
		Return1D:   r.Return1D,
	}
}
