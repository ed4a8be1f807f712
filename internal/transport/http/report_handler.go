package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "keygate/internal/errors"
	"keygate/internal/exporter"
	"keygate/internal/services"
)

// ReportHandler serves audit and catalog downloads. Reports are built
// into a buffer first so failures can still render a problem document
// instead of a truncated file.
type ReportHandler struct {
	service services.ReportService
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewReportHandler creates a new report handler
func NewReportHandler(service services.ReportService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "report")),
	}
}

// Activations handles GET /api/stores/{storeID}/reports/activations
func (h *ReportHandler) Activations(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "activations", h.service.WriteActivations)
}

// Catalog handles GET /api/stores/{storeID}/reports/catalog
func (h *ReportHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "catalog", h.service.WriteCatalog)
}

func (h *ReportHandler) serve(w http.ResponseWriter, r *http.Request, prefix string, write func(ctx context.Context, w io.Writer, storeID string, format exporter.Format) error) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")

	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.errors.HandleError(w, r, apperrors.ErrValidation("format", err.Error()))
		return
	}

	var buf bytes.Buffer
	if err := write(ctx, &buf, storeID, format); err != nil {
		if errors.Is(err, apperrors.ErrStoreNotLinked) {
			render.Render(w, r, apperrors.NewStoreNotLinkedError(storeID, traceID(ctx)))
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	filename := format.Filename(prefix, storeID, time.Now())

	h.logger.InfoContext(ctx, "report generated",
		slog.String("store_id", storeID),
		slog.String("report", prefix),
		slog.String("format", string(format)),
		slog.Int("bytes", buf.Len()))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
