package exporter

import (
	"fmt"
	"io"

	"keygate/internal/sqlite"
)

// ActivationExporter renders a store's activation audit trail.
type ActivationExporter struct{}

// NewActivationExporter creates a new activation report exporter
func NewActivationExporter() *ActivationExporter {
	return &ActivationExporter{}
}

// Write renders the report in the requested format.
func (e *ActivationExporter) Write(w io.Writer, format Format, rows []*sqlite.ActivationRow) error {
	if format == FormatXLSX {
		return e.WriteXLSX(w, rows)
	}
	return e.WriteCSV(w, rows)
}

// WriteCSV streams one record per activation. The audit trail can grow
// without bound, so rows are written as they are converted.
func (e *ActivationExporter) WriteCSV(w io.Writer, rows []*sqlite.ActivationRow) error {
	stream, err := NewStreamWriter(w, e.getHeaders())
	if err != nil {
		return fmt.Errorf("failed to start activation report: %w", err)
	}
	for _, row := range rows {
		if err := stream.WriteRecord(e.recordToCSVRow(row)); err != nil {
			return fmt.Errorf("failed to write activation %s: %w", row.ActivationID, err)
		}
	}
	return stream.Flush()
}

// WriteXLSX renders the audit trail as a single-sheet workbook.
func (e *ActivationExporter) WriteXLSX(w io.Writer, rows []*sqlite.ActivationRow) error {
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, e.recordToCSVRow(row))
	}
	return writeWorkbook(w, []sheetData{{
		name:    "Activations",
		headers: e.getHeaders(),
		rows:    records,
	}})
}

// getHeaders returns the report headers for activation records
func (e *ActivationExporter) getHeaders() []string {
	return []string{"StoreID", "LicenseID", "Identity", "ActivationID", "ActivatedAt"}
}

// recordToCSVRow converts an audit row to a report row
func (e *ActivationExporter) recordToCSVRow(row *sqlite.ActivationRow) []string {
	return []string{
		row.StoreID,
		row.LicenseID,
		row.Identity,
		row.ActivationID,
		formatTimestamp(row.CreatedAtUnixMs),
	}
}
