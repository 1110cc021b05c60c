package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"ledgerlink/internal/domain/reconciliation"
)

func TestDiscrepancyWorkbook(t *testing.T) {
	opened := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	discrepancies := []*reconciliation.Discrepancy{
		{
			ID:          "d1",
			Type:        reconciliation.MissingPayment,
			Severity:    reconciliation.SeverityCritical,
			InvoiceID:   "inv-1",
			Amount:      decimal.RequireFromString("1250.75"),
			Description: "Invoice INV-1 is 45 days overdue",
			CreatedAt:   opened,
		},
	}
	pending := []*reconciliation.Match{
		{ID: "m1", Confidence: reconciliation.ConfidenceMedium, ConfidenceScore: 72, TransactionID: "t1", InvoiceID: "inv-2", MatchedOn: []string{"amount", "date"}},
	}

	var buf bytes.Buffer
	if err := DiscrepancyWorkbook(&buf, discrepancies, pending); err != nil {
		t.Fatalf("DiscrepancyWorkbook() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("output is not a valid workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(discrepancySheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("discrepancy rows = %d, want header + 1", len(rows))
	}
	if rows[0][0] != "ID" || rows[1][0] != "d1" || rows[1][1] != "critical" || rows[1][3] != "1250.75" || rows[1][7] != "2026-02-10" {
		t.Errorf("discrepancy row = %v", rows[1])
	}

	rows, err = f.GetRows(matchSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][0] != "m1" || rows[1][8] != "[amount date]" {
		t.Errorf("match rows = %v", rows)
	}
}

func TestDiscrepancyWorkbook_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := DiscrepancyWorkbook(&buf, nil, nil); err != nil {
		t.Fatalf("DiscrepancyWorkbook() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 2 || sheets[0] != discrepancySheet {
		t.Errorf("sheets = %v", sheets)
	}
}
