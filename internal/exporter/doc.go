// Package exporter renders operator reports as CSV and XLSX downloads.
//
// This package contains two main components:
//
// ActivationExporter: Renders the local activation audit trail for a
// store, one row per activation the gateway created.
//
// CatalogExporter: Renders the cached product catalog of a store, both
// as a flat product/version listing and as a two-sheet workbook.
//
// CSV output carries a UTF-8 BOM so Excel opens it correctly; XLSX
// output is built with excelize. Both write to an io.Writer, so handlers
// stream reports directly into the HTTP response.
//
// Example usage:
//
//	exp := exporter.NewActivationExporter()
//	err := exp.WriteCSV(w, rows)
//
//	// Pick the writer from the request's format parameter
//	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
package exporter
