package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "keygate/internal/errors"
	"keygate/internal/services"
)

// StructValidator validates request payloads against their validate
// tags. *middleware.ValidationMiddleware satisfies it.
type StructValidator interface {
	ValidateStruct(v interface{}) error
}

// StoreHandler serves the store credential admin endpoints.
type StoreHandler struct {
	service  services.StoreService
	validate StructValidator
	errors   *apperrors.ErrorHandler
	logger   *slog.Logger
}

// NewStoreHandler creates a new store handler
func NewStoreHandler(service services.StoreService, validate StructValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *StoreHandler {
	return &StoreHandler{
		service:  service,
		validate: validate,
		errors:   errorHandler,
		logger:   logger.With(slog.String("handler", "store")),
	}
}

// LinkStoreRequest is the payload for linking or replacing a store
// credential.
type LinkStoreRequest struct {
	Name   string `json:"name" validate:"required,min=1,max=128"`
	APIKey string `json:"api_key" validate:"required,min=8"`
}

// StoreListResponse wraps the store listing.
type StoreListResponse struct {
	Stores []services.StoreOverview `json:"stores"`
	Count  int                      `json:"count"`
}

// Link handles PUT /api/stores/{storeID}
func (h *StoreHandler) Link(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")

	req := &LinkStoreRequest{}
	if err := render.Decode(r, req); err != nil {
		h.errors.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	if err := h.validate.ValidateStruct(req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	overview, err := h.service.Link(ctx, storeID, req.Name, req.APIKey)
	if err != nil {
		h.renderStoreError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "store linked",
		slog.String("store_id", storeID),
		slog.String("display_name", overview.DisplayName),
		slog.String("state", overview.State))

	render.JSON(w, r, overview)
}

// Unlink handles DELETE /api/stores/{storeID}
func (h *StoreHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")

	if err := h.service.Unlink(ctx, storeID); err != nil {
		h.renderStoreError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "store unlinked", slog.String("store_id", storeID))

	render.NoContent(w, r)
}

// List handles GET /api/stores
func (h *StoreHandler) List(w http.ResponseWriter, r *http.Request) {
	overviews, err := h.service.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, StoreListResponse{
		Stores: overviews,
		Count:  len(overviews),
	})
}

// renderStoreError keeps the store id and missing scope list in the
// problem body where the generic mapping would drop them.
func (h *StoreHandler) renderStoreError(w http.ResponseWriter, r *http.Request, storeID string, err error) {
	ctx := r.Context()

	var scopeErr *services.ScopeError
	switch {
	case errors.As(err, &scopeErr):
		h.logger.WarnContext(ctx, "credential rejected for missing scopes",
			slog.String("store_id", storeID),
			slog.Any("missing_scopes", scopeErr.Missing))
		render.Render(w, r, apperrors.NewMissingScopesError(scopeErr.Missing, traceID(ctx)))
	case errors.Is(err, apperrors.ErrStoreNotLinked):
		render.Render(w, r, apperrors.NewStoreNotLinkedError(storeID, traceID(ctx)))
	default:
		h.errors.HandleError(w, r, err)
	}
}
