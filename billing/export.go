package billing

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// EXPORT - XLSX rendering of a computed invoice
// =============================================================================

const (
	linesSheet      = "Lines"
	exclusionsSheet = "Exclusions"
	totalsSheet     = "Totals"
)

var (
	lineHeadings = []string{
		"Project", "CostObject", "EventKind", "EventID", "EventDate", "SKU", "Node",
		"Quantity", "Unit", "Rate", "Charge", "Percentage", "Amount", "ComputedAmount",
		"Overridden", "OverrideReason", "Snapshot",
	}
	exclusionHeadings = []string{"Project", "EventKind", "EventID", "EventDate", "Kind", "Reason"}
	totalHeadings     = []string{"Project", "Total", "Exclusions"}
)

// ExportXLSX writes the invoice as a workbook with lines, exclusions and
// per-project totals sheets.
func ExportXLSX(w io.Writer, inv *Invoice) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", linesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(exclusionsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(totalsSheet); err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		rows = append(rows, []interface{}{
			l.ProjectID, l.CostObject, string(l.Event.Kind), l.Event.ID, generic.FormatDate(l.EventDate),
			l.SKUID, l.NodeID, l.Quantity.String(), string(l.Unit), l.Rate.String(),
			money(l.Charge), l.Percentage.String(), money(l.Amount), money(l.ComputedAmount),
			l.Overridden, l.OverrideReason, l.SnapshotID,
		})
	}
	if err := writeSheet(f, linesSheet, lineHeadings, rows); err != nil {
		return err
	}

	rows = rows[:0]
	for _, e := range inv.Exclusions {
		rows = append(rows, []interface{}{
			e.ProjectID, string(e.Event.Kind), e.Event.ID, generic.FormatDate(e.EventDate), e.Kind(), e.Reason,
		})
	}
	if err := writeSheet(f, exclusionsSheet, exclusionHeadings, rows); err != nil {
		return err
	}

	rows = rows[:0]
	for _, t := range inv.Totals {
		rows = append(rows, []interface{}{t.ProjectID, money(t.Total), t.Exclusions})
	}
	rows = append(rows, []interface{}{"TOTAL", money(inv.Total), len(inv.Exclusions)})
	if err := writeSheet(f, totalsSheet, totalHeadings, rows); err != nil {
		return err
	}

	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, headings []string, rows [][]interface{}) error {
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, r+2, err)
		}
	}
	return nil
}

// money renders amounts as fixed two-decimal strings.
func money(d decimal.Decimal) string {
	return d.StringFixed(generic.MoneyPlaces)
}
