package receipt

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Receipts"

var exportHeader = []string{"filename", "vendor", "date", "total", "tax", "currency", "gstin", "confidence", "ocr_text", "error"}

func exportRow(r BatchResult) []string {
	return []string{
		r.Filename,
		deref(r.Fields.Vendor),
		deref(r.Fields.Date),
		deref(r.Fields.Total),
		deref(r.Fields.Tax),
		deref(r.Fields.Currency),
		deref(r.Fields.GSTIN),
		strconv.FormatFloat(r.Confidence, 'f', 3, 64),
		r.Text,
		r.Error,
	}
}

// WriteCSV writes batch results as CSV with a header row, one row per
// result in order.
func WriteCSV(w io.Writer, results []BatchResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range results {
		if err := cw.Write(exportRow(r)); err != nil {
			return fmt.Errorf("writing csv row for %s: %w", r.Filename, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// clipCell cuts v to the characters a worksheet cell can hold.
func clipCell(v string) string {
	if utf8.RuneCountInString(v) <= excelize.TotalCellChars {
		return v
	}
	return string([]rune(v)[:excelize.TotalCellChars])
}

// WriteXLSX writes batch results as a single-sheet workbook with the same
// columns as WriteCSV.
func WriteXLSX(w io.Writer, results []BatchResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	rows := make([][]string, 0, len(results)+1)
	rows = append(rows, exportHeader)
	for _, r := range results {
		rows = append(rows, exportRow(r))
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("addressing row %d: %w", i+1, err)
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = clipCell(v)
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}
