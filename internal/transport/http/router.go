package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	custommw "keygate/internal/middleware"
	"keygate/internal/services"
)

// RouterConfig carries the services and infrastructure the HTTP
// surface is built from.
type RouterConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	Providers   *infrastructure.OTelProviders
	Metrics     *infrastructure.Metrics
	Activations services.ActivationService
	Stores      services.StoreService
	Catalog     services.CatalogService
	Reports     services.ReportService
	Health      services.HealthService
	Hub         *events.Hub
}

// NewRouter assembles the gateway's HTTP surface: the public activation
// endpoint, the operator endpoints behind the admin gate, probes,
// Prometheus metrics and the websocket event stream.
func NewRouter(rc RouterConfig) chi.Router {
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	errorHandler := apperrors.NewErrorHandler(logger, false)
	validation := custommw.NewValidationMiddleware(logger, errorHandler)
	params := custommw.NewQueryParamValidator(logger, errorHandler)

	activationHandler := NewActivationHandler(rc.Activations, errorHandler, logger)
	storeHandler := NewStoreHandler(rc.Stores, validation, errorHandler, logger)
	catalogHandler := NewCatalogHandler(rc.Catalog, params, errorHandler, logger)
	reportHandler := NewReportHandler(rc.Reports, errorHandler, logger)
	healthHandler := NewHealthHandler(rc.Health, logger)

	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// The websocket route stays outside the main group so no middleware
	// wraps the ResponseWriter before the upgrade.
	if rc.Hub != nil {
		r.With(custommw.WebSocketTraceMiddleware(logger)).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			events.ServeWS(rc.Hub, w, r)
		})
	}

	// Prometheus scrapes bypass the middleware chain.
	if rc.Providers != nil && rc.Providers.PrometheusHTTP != nil {
		r.Handle("/metrics", rc.Providers.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		if rc.Providers != nil {
			r.Use(custommw.NewOTelMiddleware(rc.Providers, rc.Metrics).Handler)
		}
		r.Use(custommw.StructuredLogger(logger))
		r.Use(custommw.Recoverer(errorHandler))
		r.Use(custommw.SecurityHeaders)
		r.Use(custommw.StripSlashes)
		r.Use(custommw.CORS(custommw.CORSConfig{
			AllowedOrigins: rc.Config.Security.AllowedOrigins,
		}))

		if rc.Config.Security.RateLimit.Enabled {
			r.Use(custommw.NewRateLimiter(
				rc.Config.Security.RateLimit.RPS,
				rc.Config.Security.RateLimit.Burst,
				logger,
			).Handler)
		}

		r.Get("/healthz", healthHandler.Liveness)
		r.Get("/readyz", healthHandler.Readiness)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(custommw.Timeout(rc.Config.Server.RequestTimeout))
			r.Use(custommw.Compress(5))
			r.Use(validation.ValidateRequest)

			r.Route("/stores", func(r chi.Router) {
				// End-user endpoint, deliberately outside the admin gate.
				r.With(custommw.ContentTypeValidator("application/json")).
					Post("/{storeID}/activations", activationHandler.Activate)

				r.Group(func(r chi.Router) {
					r.Use(custommw.AdminAuth(rc.Config.Security.AdminToken, logger))
					r.Use(custommw.AuditLog(logger))

					r.Get("/", storeHandler.List)

					r.Route("/{storeID}", func(r chi.Router) {
						r.With(custommw.ContentTypeValidator("application/json")).
							Put("/", storeHandler.Link)
						r.Delete("/", storeHandler.Unlink)

						r.Get("/products", catalogHandler.Products)
						r.Post("/refresh", catalogHandler.Refresh)

						r.Get("/reports/activations", reportHandler.Activations)
						r.Get("/reports/catalog", reportHandler.Catalog)

						r.Route("/licenses/{licenseID}", func(r chi.Router) {
							r.Delete("/activations/{identity}", activationHandler.Deactivate)
							r.Post("/lock", activationHandler.Lock)
							r.Delete("/lock", activationHandler.Unlock)
						})
					})
				})
			})
		})
	})

	return r
}
