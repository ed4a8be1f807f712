package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/services"
)

// ActivationHandler serves the end-user activation endpoint and the
// operator endpoints that manage activations on a license.
type ActivationHandler struct {
	service services.ActivationService
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewActivationHandler creates a new activation handler
func NewActivationHandler(service services.ActivationService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "activation")),
	}
}

// ActivationRequest is the end-user activation payload.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Identity   string `json:"identity" validate:"required,identity"`
}

// Bind implements the render.Binder interface. Identity rules are
// enforced here so malformed requests never reach the upstream store.
func (req *ActivationRequest) Bind(r *http.Request) error {
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	req.Identity = strings.TrimSpace(req.Identity)
	if req.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	if req.Identity == "" {
		return errors.New("identity is required")
	}
	return license.ValidateIdentity(req.Identity)
}

// ActivationResponse is the success body of the activation endpoint.
type ActivationResponse struct {
	Status     license.Status  `json:"status"`
	Activation *license.Result `json:"activation"`
	TraceID    string          `json:"trace_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Activate handles POST /api/stores/{storeID}/activations
func (h *ActivationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")
	tracer := otel.Tracer("keygate.http")

	ctx, span := tracer.Start(ctx, "activation_handler.activate",
		trace.WithAttributes(
			attribute.String("store.id", storeID),
		),
	)
	defer span.End()

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		span.RecordError(err)
		h.renderBindError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.key_prefix", maskKey(req.LicenseKey)),
		attribute.String("activation.identity", req.Identity),
	)

	result, err := h.service.Activate(ctx, storeID, req.LicenseKey, req.Identity)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.kind", activationErrorKind(err)))
		h.renderActivationError(w, r.WithContext(ctx), storeID, err)
		return
	}

	span.SetAttributes(
		attribute.String("activation.status", string(result.Status)),
		attribute.String("activation.id", result.ActivationID),
	)

	render.JSON(w, r, ActivationResponse{
		Status:     result.Status,
		Activation: result,
		TraceID:    traceID(ctx),
		Timestamp:  time.Now().UTC(),
	})
}

// Deactivate handles DELETE /api/stores/{storeID}/licenses/{licenseID}/activations/{identity}
func (h *ActivationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")
	licenseRef := chi.URLParam(r, "licenseID")
	identity := chi.URLParam(r, "identity")

	if err := h.service.Deactivate(ctx, storeID, licenseRef, identity); err != nil {
		h.renderActivationError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "activation removed",
		slog.String("store_id", storeID),
		slog.String("identity", identity))

	render.JSON(w, r, struct {
		Status   string `json:"status"`
		License  string `json:"license"`
		Identity string `json:"identity"`
		TraceID  string `json:"trace_id"`
	}{
		Status:   "deactivated",
		License:  licenseRef,
		Identity: identity,
		TraceID:  traceID(ctx),
	})
}

// Lock handles POST /api/stores/{storeID}/licenses/{licenseID}/lock
func (h *ActivationHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")
	licenseRef := chi.URLParam(r, "licenseID")

	if err := h.service.Lock(ctx, storeID, licenseRef); err != nil {
		h.renderActivationError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "license locked",
		slog.String("store_id", storeID),
		slog.String("license", maskKey(licenseRef)))

	render.JSON(w, r, struct {
		Status  string `json:"status"`
		License string `json:"license"`
		TraceID string `json:"trace_id"`
	}{
		Status:  "locked",
		License: licenseRef,
		TraceID: traceID(ctx),
	})
}

// Unlock handles DELETE /api/stores/{storeID}/licenses/{licenseID}/lock
func (h *ActivationHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")
	licenseRef := chi.URLParam(r, "licenseID")

	if err := h.service.Unlock(ctx, storeID, licenseRef); err != nil {
		h.renderActivationError(w, r, storeID, err)
		return
	}

	h.logger.InfoContext(ctx, "license unlocked",
		slog.String("store_id", storeID),
		slog.String("license", maskKey(licenseRef)))

	render.JSON(w, r, struct {
		Status  string `json:"status"`
		License string `json:"license"`
		TraceID string `json:"trace_id"`
	}{
		Status:  "unlocked",
		License: licenseRef,
		TraceID: traceID(ctx),
	})
}

// renderBindError maps request parsing failures. Reserved identities get
// their dedicated problem so clients can distinguish them from plain
// format violations.
func (h *ActivationHandler) renderBindError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	h.logger.WarnContext(ctx, "rejected activation request",
		slog.String("error", err.Error()))

	if errors.Is(err, apperrors.ErrIdentityReserved) {
		render.Render(w, r, apperrors.MapActivationError(err, traceID(ctx)))
		return
	}

	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		h.errors.HandleError(w, r, apiErr)
		return
	}

	h.errors.HandleError(w, r, apperrors.InvalidRequestWithError(err))
}

// renderActivationError logs and renders a failed activation operation.
func (h *ActivationHandler) renderActivationError(w http.ResponseWriter, r *http.Request, storeID string, err error) {
	ctx := r.Context()

	h.logger.ErrorContext(ctx, "activation operation failed",
		slog.String("error", err.Error()),
		slog.String("error_kind", activationErrorKind(err)),
		slog.String("store_id", storeID),
		slog.String("path", r.URL.Path))

	var conflict *license.ConflictError
	var format *license.KeyFormatError
	switch {
	case errors.As(err, &conflict):
		render.Render(w, r, apperrors.NewAlreadyActivatedError(conflict.RegisteredIdentity, traceID(ctx)))
	case errors.As(err, &format) && format.ForeignVendor():
		render.Render(w, r, apperrors.NewForeignKeyError(format.Kind.String(), traceID(ctx)))
	case errors.Is(err, apperrors.ErrStoreNotLinked):
		render.Render(w, r, apperrors.NewStoreNotLinkedError(storeID, traceID(ctx)))
	default:
		render.Render(w, r, apperrors.MapActivationError(err, traceID(ctx)))
	}
}

// activationErrorKind categorizes activation errors for logs and spans.
func activationErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrInvalidLicense):
		return "invalid_license"
	case errors.Is(err, apperrors.ErrLicenseLocked):
		return "license_locked"
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		return "conflict"
	case errors.Is(err, apperrors.ErrActivationNotFound):
		return "activation_not_found"
	case errors.Is(err, apperrors.ErrStoreNotLinked):
		return "store_not_linked"
	case errors.Is(err, apperrors.ErrUpstreamAuthInvalid):
		return "upstream_auth"
	case errors.Is(err, apperrors.ErrUpstreamTransient):
		return "upstream_transient"
	case errors.Is(err, apperrors.ErrUpstreamUnexpected):
		return "upstream_unexpected"
	case errors.Is(err, apperrors.ErrIdentityReserved):
		return "identity_reserved"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// traceID resolves the identifier attached to error and success bodies.
func traceID(ctx context.Context) string {
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	return middleware.GetReqID(ctx)
}

// maskKey redacts a license key for logs and span attributes.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
