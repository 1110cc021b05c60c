package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"ledgerlink/internal/domain/reconciliation"
)

const (
	discrepancySheet = "Discrepancies"
	matchSheet       = "Pending Matches"
	ContentType      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	discrepancyHeader = []any{"ID", "Severity", "Type", "Amount", "Transaction", "Invoice", "Description", "Opened"}
	matchHeader       = []any{"ID", "Confidence", "Score", "Transaction", "Invoice", "Transaction Amount", "Invoice Amount", "Difference", "Matched On"}
)

// DiscrepancyWorkbook writes open discrepancies and pending matches as a
// two-sheet xlsx file for offline review.
func DiscrepancyWorkbook(w io.Writer, discrepancies []*reconciliation.Discrepancy, pending []*reconciliation.Match) error {
	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with "Sheet1"
	if err := f.SetSheetName("Sheet1", discrepancySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(matchSheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := make([][]any, 0, len(discrepancies))
	for _, d := range discrepancies {
		rows = append(rows, []any{
			d.ID, string(d.Severity), string(d.Type), d.Amount.InexactFloat64(),
			d.TransactionID, d.InvoiceID, d.Description, d.CreatedAt.UTC().Format(time.DateOnly),
		})
	}
	if err := writeSheet(f, discrepancySheet, discrepancyHeader, rows, header); err != nil {
		return err
	}

	rows = make([][]any, 0, len(pending))
	for _, m := range pending {
		rows = append(rows, []any{
			m.ID, string(m.Confidence), m.ConfidenceScore, m.TransactionID, m.InvoiceID,
			m.TransactionAmount.InexactFloat64(), m.InvoiceAmount.InexactFloat64(),
			m.AmountDifference.InexactFloat64(), fmt.Sprint(m.MatchedOn),
		})
	}
	if err := writeSheet(f, matchSheet, matchHeader, rows, header); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]any, headerStyle int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}
