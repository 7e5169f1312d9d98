// Package store persists price, derived, and aggregate tables as Parquet
// files and provides the atomic write operations every pipeline stage uses.
package store

import (
	"errors"
	"path/filepath"
)

// ErrPostcondition is returned when a merge would violate, or a committed
// merge failed to satisfy, the replace-by-symbol contract.
var ErrPostcondition = errors.New("store: merge postcondition violated")

// Row is implemented by every on-disk record type. Rows are keyed by
// (RowSymbol, RowDate).
type Row interface {
	RowSymbol() string
	RowDate() int64
}

// Table names used in logs, metrics, and run results.
const (
	TablePrices    = "prices"
	TableTechnical = "technical"
	TableAlerts    = "alerts"
	TableMoneyFlow = "moneyflow"
	TableBreadth   = "breadth"
	TableRanking   = "ranking"
)

// Layout names every file under the data directory:
//
//	<DataDir>/raw/prices.parquet
//	<DataDir>/derived/{technical,alerts,moneyflow}.parquet
//	<DataDir>/aggregate/{breadth,ranking}.parquet
//	<DataDir>/backups/
type Layout struct {
	DataDir string
}

// NewLayout returns the layout rooted at dataDir.
func NewLayout(dataDir string) Layout { return Layout{DataDir: dataDir} }

func (l Layout) Prices() string    { return filepath.Join(l.DataDir, "raw", TablePrices+".parquet") }
func (l Layout) Technical() string { return filepath.Join(l.DataDir, "derived", TableTechnical+".parquet") }
func (l Layout) Alerts() string    { return filepath.Join(l.DataDir, "derived", TableAlerts+".parquet") }
func (l Layout) MoneyFlow() string { return filepath.Join(l.DataDir, "derived", TableMoneyFlow+".parquet") }
func (l Layout) Breadth() string   { return filepath.Join(l.DataDir, "aggregate", TableBreadth+".parquet") }
func (l Layout) Ranking() string   { return filepath.Join(l.DataDir, "aggregate", TableRanking+".parquet") }
func (l Layout) Backups() string   { return filepath.Join(l.DataDir, "backups") }
func (l Layout) Progress() string  { return filepath.Join(l.DataDir, "progress") }

// Tables bundles the typed tables of one data directory.
type Tables struct {
	Prices    *Table[PriceRecord]
	Technical *Table[TechnicalRecord]
	Alerts    *Table[AlertRecord]
	MoneyFlow *Table[MoneyFlowRecord]
	Breadth   *Table[BreadthRecord]
	Ranking   *Table[RankingRecord]
}

// Open returns the tables for the layout. Files are created lazily on the
// first write.
func (l Layout) Open() Tables {
	return Tables{
		Prices:    NewTable[PriceRecord](TablePrices, l.Prices()),
		Technical: NewTable[TechnicalRecord](TableTechnical, l.Technical()),
		Alerts:    NewTable[AlertRecord](TableAlerts, l.Alerts()),
		MoneyFlow: NewTable[MoneyFlowRecord](TableMoneyFlow, l.MoneyFlow()),
		Breadth:   NewTable[BreadthRecord](TableBreadth, l.Breadth()),
		Ranking:   NewTable[RankingRecord](TableRanking, l.Ranking()),
	}
}
