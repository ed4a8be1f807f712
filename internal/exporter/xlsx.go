package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// writeWorkbook fills sheets in order, drops the default sheet name in
// favor of the first one, and writes the workbook to w.
func writeWorkbook(w io.Writer, sheets []sheetData) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet.name); err != nil {
				return fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else {
			if _, err := f.NewSheet(sheet.name); err != nil {
				return fmt.Errorf("failed to create sheet %s: %w", sheet.name, err)
			}
		}
		if err := fillSheet(f, sheet); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// sheetData is one sheet's headers and rows.
type sheetData struct {
	name    string
	headers []string
	rows    [][]string
}

func fillSheet(f *excelize.File, sheet sheetData) error {
	if err := f.SetSheetRow(sheet.name, "A1", rowValues(sheet.headers)); err != nil {
		return fmt.Errorf("failed to write headers for %s: %w", sheet.name, err)
	}

	for i, row := range sheet.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to compute cell for row %d: %w", i, err)
		}
		if err := f.SetSheetRow(sheet.name, cell, rowValues(row)); err != nil {
			return fmt.Errorf("failed to write row %d for %s: %w", i, sheet.name, err)
		}
	}

	// Bold headers and widen columns so the report is readable without
	// manual resizing.
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(sheet.headers), 1)
	if err != nil {
		return fmt.Errorf("failed to compute header range: %w", err)
	}
	if err := f.SetCellStyle(sheet.name, "A1", lastHeader, style); err != nil {
		return fmt.Errorf("failed to style headers for %s: %w", sheet.name, err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(sheet.headers))
	if err != nil {
		return fmt.Errorf("failed to compute last column: %w", err)
	}
	if err := f.SetColWidth(sheet.name, "A", lastCol, 22); err != nil {
		return fmt.Errorf("failed to set column widths for %s: %w", sheet.name, err)
	}

	return nil
}

// rowValues adapts a CSV record for excelize, which wants a pointer to
// a slice of cell values. Everything stays a string so identifiers like
// activation IDs are not reinterpreted as numbers.
func rowValues(record []string) *[]interface{} {
	values := make([]interface{}, len(record))
	for i, v := range record {
		values[i] = v
	}
	return &values
}
