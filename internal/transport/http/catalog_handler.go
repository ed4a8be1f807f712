package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/catalog"
	apperrors "keygate/internal/errors"
	"keygate/internal/services"
)

// maxAutocompleteLimit caps the limit query parameter. The service
// applies its configured default when the parameter is absent.
const maxAutocompleteLimit = 100

// IntParamValidator parses bounded integer query parameters, rendering
// the validation problem itself on failure.
// *middleware.QueryParamValidator satisfies it.
type IntParamValidator interface {
	ValidateInt(w http.ResponseWriter, r *http.Request, param string, min, max, defaultValue int) (int, bool)
}

// CatalogHandler serves product autocomplete and the administrative
// refresh trigger.
type CatalogHandler struct {
	service services.CatalogService
	params  IntParamValidator
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(service services.CatalogService, params IntParamValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		service: service,
		params:  params,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "catalog")),
	}
}

// ProductListResponse is the autocomplete response body.
type ProductListResponse struct {
	StoreID  string            `json:"store_id"`
	Prefix   string            `json:"prefix"`
	Products []catalog.Product `json:"products"`
	Count    int               `json:"count"`
}

// Products handles GET /api/stores/{storeID}/products
func (h *CatalogHandler) Products(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))

	limit, ok := h.params.ValidateInt(w, r, "limit", 1, maxAutocompleteLimit, 0)
	if !ok {
		return
	}

	products, err := h.service.Autocomplete(ctx, storeID, prefix, limit)
	if err != nil {
		h.renderCatalogError(w, r, storeID, err)
		return
	}

	render.JSON(w, r, ProductListResponse{
		StoreID:  storeID,
		Prefix:   prefix,
		Products: products,
		Count:    len(products),
	})
}

// Refresh handles POST /api/stores/{storeID}/refresh
func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")

	result, err := h.service.Refresh(ctx, storeID)
	if err != nil {
		h.renderCatalogError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "catalog refreshed",
		slog.String("store_id", storeID),
		slog.Int("products", result.Products),
		slog.Int("versions", result.Versions))

	render.JSON(w, r, result)
}

func (h *CatalogHandler) renderCatalogError(w http.ResponseWriter, r *http.Request, storeID string, err error) {
	if errors.Is(err, apperrors.ErrStoreNotLinked) {
		render.Render(w, r, apperrors.NewStoreNotLinkedError(storeID, traceID(r.Context())))
		return
	}
	h.errors.HandleError(w, r, err)
}
