package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"keygate/internal/catalog"
	"keygate/internal/exporter"
	"keygate/internal/sqlite"
)

// ActivationLog is the audit trail slice used for reports. *sqlite.DB
// satisfies it.
type ActivationLog interface {
	ListActivationsByStore(ctx context.Context, storeID string) ([]*sqlite.ActivationRow, error)
}

// ReportService provides report downloads
type ReportService interface {
	WriteActivations(ctx context.Context, w io.Writer, storeID string, format exporter.Format) error
	WriteCatalog(ctx context.Context, w io.Writer, storeID string, format exporter.Format) error
}

type reportService struct {
	stores      StoreDirectory
	audit       ActivationLog
	cache       *catalog.Cache
	activations *exporter.ActivationExporter
	catalogs    *exporter.CatalogExporter
	logger      *slog.Logger
}

// NewReportService creates a new report service
func NewReportService(stores StoreDirectory, audit ActivationLog, cache *catalog.Cache, logger *slog.Logger) ReportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &reportService{
		stores:      stores,
		audit:       audit,
		cache:       cache,
		activations: exporter.NewActivationExporter(),
		catalogs:    exporter.NewCatalogExporter(),
		logger:      logger.With(slog.String("service", "report")),
	}
}

// WriteActivations renders the store's activation audit trail into w.
func (s *reportService) WriteActivations(ctx context.Context, w io.Writer, storeID string, format exporter.Format) error {
	if err := requireLinked(ctx, s.stores, storeID); err != nil {
		return err
	}

	rows, err := s.audit.ListActivationsByStore(ctx, storeID)
	if err != nil {
		return fmt.Errorf("failed to load audit trail for store %s: %w", storeID, err)
	}

	s.logger.InfoContext(ctx, "activation report generated",
		slog.String("store_id", storeID),
		slog.String("format", string(format)),
		slog.Int("rows", len(rows)))
	return s.activations.Write(w, format, rows)
}

// WriteCatalog renders the store's cached catalog into w. A linked
// store with no cached entry yields an empty report, not an error.
func (s *reportService) WriteCatalog(ctx context.Context, w io.Writer, storeID string, format exporter.Format) error {
	entry, ok := s.cache.Get(storeID)
	if !ok {
		if err := requireLinked(ctx, s.stores, storeID); err != nil {
			return err
		}
		entry = &catalog.Entry{}
	}

	s.logger.InfoContext(ctx, "catalog report generated",
		slog.String("store_id", storeID),
		slog.String("format", string(format)),
		slog.Int("products", len(entry.Products)))
	return s.catalogs.Write(w, format, entry)
}
