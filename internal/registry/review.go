package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"halong/internal/domain"
)

const reviewSheet = "review"

var reviewHeader = []interface{}{
	"ticker", "date", "daily_return", "method", "z_score", "volume_multiple",
	"gap", "inferred", "action_type", "ratio", "verified", "notes",
}

// Column indexes of the editable cells.
const (
	colTicker = iota
	colDate
	_
	_
	_
	_
	_
	_
	colActionType
	colRatio
	colVerified
	colNotes
)

// ExportReview writes candidates to an .xlsx workbook for manual review. The
// operator fills action_type, ratio and verified, then feeds the file back to
// ImportReview.
func ExportReview(path string, candidates []domain.SpikeCandidate) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reviewSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(reviewSheet, "A1", &reviewHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, c := range candidates {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			c.Symbol,
			c.Date.Format(domain.DateLayout),
			c.DailyReturn,
			string(c.Method),
			c.ZScore,
			c.VolumeMultiple,
			c.Gap,
			string(c.Classification),
			"",
			c.Ratio,
			"",
			"",
		}
		if err := f.SetSheetRow(reviewSheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(reviewSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving review workbook: %w", err)
	}
	return nil
}

// ImportReview upserts every row of the review workbook marked verified and
// returns the number of records written.
func (r *Registry) ImportReview(ctx context.Context, path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("opening review workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(reviewSheet)
	if err != nil {
		return 0, fmt.Errorf("reading review sheet: %w", err)
	}

	n := 0
	for i, row := range rows {
		if i == 0 || !isYes(cellAt(row, colVerified)) {
			continue
		}
		actionType := domain.ParseClassification(strings.ToUpper(cellAt(row, colActionType)))
		var ratio float64
		if s := cellAt(row, colRatio); s != "" {
			ratio, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return n, fmt.Errorf("row %d: ratio %q: %w", i+1, s, err)
			}
		}
		rec := domain.CorporateAction{
			Ticker:     strings.ToUpper(cellAt(row, colTicker)),
			Date:       cellAt(row, colDate),
			ActionType: actionType,
			Ratio:      ratio,
			Verified:   true,
			Source:     "review",
			Notes:      cellAt(row, colNotes),
		}
		if err := r.Upsert(ctx, rec); err != nil {
			return n, fmt.Errorf("row %d: %w", i+1, err)
		}
		n++
	}
	r.log.Info("imported review", "path", path, "verified", n)
	return n, nil
}

func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isYes(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true", "1", "x":
		return true
	}
	return false
}
