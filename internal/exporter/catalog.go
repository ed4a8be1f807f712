package exporter

import (
	"io"

	"keygate/internal/catalog"
)

// CatalogExporter renders a store's cached product catalog.
type CatalogExporter struct{}

// NewCatalogExporter creates a new catalog report exporter
func NewCatalogExporter() *CatalogExporter {
	return &CatalogExporter{}
}

// Write renders the report in the requested format.
func (e *CatalogExporter) Write(w io.Writer, format Format, entry *catalog.Entry) error {
	if format == FormatXLSX {
		return e.WriteXLSX(w, entry)
	}
	return e.WriteCSV(w, entry)
}

// WriteCSV renders a flat product and version listing. Products without
// versions still get a row so the report covers the whole catalog.
func (e *CatalogExporter) WriteCSV(w io.Writer, entry *catalog.Entry) error {
	return WriteSimpleCSV(w, e.versionHeaders(), e.versionRecords(entry))
}

// WriteXLSX renders a two-sheet workbook, products on one sheet and the
// flat version listing on the other.
func (e *CatalogExporter) WriteXLSX(w io.Writer, entry *catalog.Entry) error {
	byProduct := versionsByProduct(entry)

	products := make([][]string, 0, len(entry.Products))
	for _, product := range entry.Products {
		products = append(products, []string{
			product.ID,
			product.Name,
			formatInt(len(byProduct[product.ID])),
		})
	}

	return writeWorkbook(w, []sheetData{
		{name: "Products", headers: []string{"ProductID", "ProductName", "VersionCount"}, rows: products},
		{name: "Versions", headers: e.versionHeaders(), rows: e.versionRecords(entry)},
	})
}

func (e *CatalogExporter) versionHeaders() []string {
	return []string{"ProductID", "ProductName", "VersionID", "VersionName"}
}

// versionRecords flattens the catalog into one row per version, keeping
// the entry's product ordering.
func (e *CatalogExporter) versionRecords(entry *catalog.Entry) [][]string {
	byProduct := versionsByProduct(entry)

	var records [][]string
	for _, product := range entry.Products {
		versions := byProduct[product.ID]
		if len(versions) == 0 {
			records = append(records, []string{product.ID, product.Name, "", ""})
			continue
		}
		for _, version := range versions {
			records = append(records, []string{product.ID, product.Name, version.ID, version.Name})
		}
	}
	return records
}

func versionsByProduct(entry *catalog.Entry) map[string][]catalog.Version {
	byProduct := make(map[string][]catalog.Version, len(entry.Products))
	for _, version := range entry.Versions {
		byProduct[version.ProductID] = append(byProduct[version.ProductID], version)
	}
	return byProduct
}
