package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"keygate/internal/catalog"
	"keygate/internal/config"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/refresh"
	"keygate/internal/security"
	"keygate/internal/services"
	"keygate/internal/sqlite"
	"keygate/internal/store"
	transporthttp "keygate/internal/transport/http"
	"keygate/pkg/contracts"
)

// Application owns every long-lived component of the gateway and wires
// them together at startup.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Providers *infrastructure.OTelProviders
	Metrics   *infrastructure.Metrics

	DB        *sqlite.DB
	Sealer    *security.Sealer
	Clients   *store.ClientCache
	Catalog   *catalog.Cache
	Hub       *events.Hub
	Scheduler *refresh.Scheduler

	Services *ServiceContainer

	Router chi.Router
	Server *http.Server
}

// ServiceContainer groups the business services handed to the HTTP
// transport.
type ServiceContainer struct {
	Activations services.ActivationService
	Stores      services.StoreService
	Catalog     services.CatalogService
	Reports     services.ReportService
	Health      services.HealthService
}

// NewApplication loads configuration and builds the full component
// graph. Nothing is listening yet when it returns; call Start or Run.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("commit", contracts.GitCommit))

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Providers: providers,
		Metrics:   metrics,
	}

	if err := app.initializeServices(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.Router = transporthttp.NewRouter(transporthttp.RouterConfig{
		Config:      app.Config,
		Logger:      app.Logger,
		Providers:   app.Providers,
		Metrics:     app.Metrics,
		Activations: app.Services.Activations,
		Stores:      app.Services.Stores,
		Catalog:     app.Services.Catalog,
		Reports:     app.Services.Reports,
		Health:      app.Services.Health,
		Hub:         app.Hub,
	})
	app.createServer()

	return app, nil
}

// initializeServices opens persistence and builds the service graph in
// dependency order.
func (a *Application) initializeServices(ctx context.Context) error {
	db, err := sqlite.Open(ctx, a.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db

	sealer, err := security.NewSealer(a.Config.Store.SealSecret, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize credential sealer: %w", err)
	}
	a.Sealer = sealer

	a.Clients = store.NewClientCache(sealer, store.Options{
		BaseURL:          a.Config.Store.BaseURL,
		Timeout:          a.Config.Store.Timeout,
		UserAgent:        a.Config.Store.UserAgent,
		FetchConcurrency: a.Config.Refresh.FetchConcurrency,
		Metrics:          a.Metrics,
	})

	a.Catalog = catalog.NewCache(db, a.Metrics, a.Logger)
	loaded, err := a.Catalog.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load catalog cache: %w", err)
	}
	a.Logger.InfoContext(ctx, "catalog cache loaded", slog.Int("stores", loaded))

	a.Hub = events.NewHub(a.Metrics, a.Logger)
	a.Scheduler = refresh.New(a.Config.Refresh, db, refreshClients{a.Clients},
		a.Catalog, a.Hub, a.Metrics, a.Logger)

	resolver := license.NewResolver(db, a.Logger)
	clients := storeClients{a.Clients}

	a.Services = &ServiceContainer{
		Activations: services.NewActivationService(db, clients, resolver, a.Hub, a.Metrics, a.Logger),
		Stores:      services.NewStoreService(db, sealer, clients, a.Catalog, a.Scheduler, a.Hub, a.Logger),
		Catalog:     services.NewCatalogService(db, a.Catalog, a.Scheduler, a.Config.Refresh.AutocompleteLimit, a.Logger),
		Reports:     services.NewReportService(db, db, a.Catalog, a.Logger),
		Health:      services.NewHealthService(contracts.Version, db, a.Catalog, a.Hub, a.Logger),
	}

	return nil
}

// createServer builds the HTTP server around the assembled router.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start launches the background services and the HTTP listener. A
// listener failure cancels the supplied context so Run can shut the
// rest down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting application",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("log_level", a.Config.Logging.Level))

	go a.Hub.Run()
	a.Scheduler.Start()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop drains the server, halts background services and releases
// persistence and telemetry, in that order.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.Scheduler.Stop()
	a.Hub.Stop()

	if err := a.DB.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing database", slog.String("error", err.Error()))
	}

	if a.Providers != nil {
		if err := a.Providers.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")

	if err := infrastructure.CloseLogFile(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// Run starts the application and blocks until an interrupt or a
// listener failure, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	// ctx may already be canceled; shutdown runs on its own timeout.
	return a.Stop(context.Background())
}

// storeClients adapts *store.ClientCache to the services client seam.
type storeClients struct {
	cache *store.ClientCache
}

func (s storeClients) For(storeID, sealedKey string) (services.StoreClient, error) {
	client, err := s.cache.For(storeID, sealedKey)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s storeClients) Forget(storeID string) {
	s.cache.Forget(storeID)
}

// refreshClients adapts the same cache for the refresh scheduler.
type refreshClients struct {
	cache *store.ClientCache
}

func (s refreshClients) For(storeID, sealedKey string) (refresh.CatalogFetcher, error) {
	client, err := s.cache.For(storeID, sealedKey)
	if err != nil {
		return nil, err
	}
	return client, nil
}
