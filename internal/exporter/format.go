package exporter

import (
	"fmt"
	"strconv"
	"time"
)

// Format selects the output encoding of a report.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a request's format parameter to a Format. An empty
// value defaults to CSV.
func ParseFormat(value string) (Format, error) {
	switch value {
	case "", string(FormatCSV):
		return FormatCSV, nil
	case string(FormatXLSX):
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", value)
	}
}

// ContentType returns the MIME type to serve the report with.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Filename builds a download name such as activations_store-1_2026-08-25.csv.
func (f Format) Filename(prefix, storeID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.%s", prefix, storeID, at.UTC().Format("2006-01-02"), string(f))
}

// formatTimestamp renders a unix-milliseconds value for report output.
// Zero means the value was never set.
func formatTimestamp(unixMs int64) string {
	if unixMs <= 0 {
		return ""
	}
	return time.UnixMilli(unixMs).UTC().Format("2006-01-02 15:04:05")
}

// formatInt formats an int value for report output
func formatInt(i int) string {
	return strconv.Itoa(i)
}
