// Package refresh keeps every linked store's catalog current. A
// background sweep walks all stores on a slow cadence; a priority warm
// path refreshes a single store when an interactive consumer notices
// its data has gone stale. All refreshes for one store coalesce
// through a single-flight group, which is the only mutual exclusion
// here.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"keygate/internal/catalog"
	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/sqlite"
	"keygate/internal/store"
)

// Trigger labels what initiated a refresh, for logs and metrics.
type Trigger string

const (
	TriggerSweep Trigger = "sweep"
	TriggerWarm  Trigger = "warm"
	TriggerForce Trigger = "force"
)

// CatalogFetcher is the slice of the store client the scheduler uses.
type CatalogFetcher interface {
	FullCatalog(ctx context.Context) ([]store.ProductDetail, error)
}

// ClientSource hands out an upstream client for a store's sealed
// credential. The application adapts *store.ClientCache to this.
type ClientSource interface {
	For(storeID, sealedKey string) (CatalogFetcher, error)
}

// StoreSource is the slice of persistence the scheduler reads.
// *sqlite.DB satisfies it.
type StoreSource interface {
	GetStore(ctx context.Context, storeID string) (*sqlite.StoreRow, error)
	ListStores(ctx context.Context) ([]*sqlite.StoreRow, error)
}

// Scheduler drives catalog refreshes.
type Scheduler struct {
	cfg     config.RefreshConfig
	db      StoreSource
	clients ClientSource
	cache   *catalog.Cache
	events  events.Publisher
	metrics *infrastructure.Metrics
	logger  *slog.Logger

	pace  *rate.Limiter
	group singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// New builds a scheduler. Zeroed config fields fall back to the
// defaults: 24h sweep cadence, 60s initial delay, 60s stale threshold,
// 50ms outbound gap.
func New(cfg config.RefreshConfig, db StoreSource, clients ClientSource, cache *catalog.Cache, publisher events.Publisher, metrics *infrastructure.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = time.Minute
	}
	if cfg.RequestGap <= 0 {
		cfg.RequestGap = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		db:      db,
		clients: clients,
		cache:   cache,
		events:  publisher,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "refresh")),
		pace:    rate.NewLimiter(rate.Every(cfg.RequestGap), 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs after the
// initial delay so startup traffic settles first.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

// Stop cancels in-flight refreshes and waits for the sweep loop to
// exit. Safe to call without Start and safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
	})
}

// Warm refreshes the store soon if its catalog is older than the stale
// threshold. Fire-and-forget: the caller keeps serving whatever is
// cached. Warm ignores the invalid flag; a store that starts working
// again has its flag cleared by the refresh itself.
func (s *Scheduler) Warm(storeID string) {
	if !s.stale(storeID) {
		return
	}
	go func() {
		if _, err := s.refresh(s.ctx, storeID, TriggerWarm); err != nil {
			s.logger.Debug("warm refresh did not complete",
				slog.String("store_id", storeID), slog.Any("error", err))
		}
	}()
}

// ForceRefresh refreshes the store right now regardless of staleness
// or the invalid flag, and blocks until done. Administrative surface.
func (s *Scheduler) ForceRefresh(ctx context.Context, storeID string) (*catalog.Entry, error) {
	return s.refresh(ctx, storeID, TriggerForce)
}

func (s *Scheduler) run() {
	defer close(s.done)

	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-initial.C:
	}
	s.sweep()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep refreshes every store whose catalog is older than the sweep
// interval. Stores flagged invalid are skipped; hammering an upstream
// that rejected our credentials helps nobody, and the flag only clears
// through the warm path or a credential replacement.
func (s *Scheduler) sweep() {
	rows, err := s.db.ListStores(s.ctx)
	if err != nil {
		s.logger.Error("sweep could not list stores", slog.Any("error", err))
		return
	}

	refreshed, skipped := 0, 0
	for _, row := range rows {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.cache.IsInvalid(row.StoreID) {
			skipped++
			s.logger.Debug("sweep skipping store with rejected credentials",
				slog.String("store_id", row.StoreID))
			continue
		}
		if entry, ok := s.cache.Get(row.StoreID); ok && time.Since(entry.LastRefreshed) < s.cfg.SweepInterval {
			skipped++
			continue
		}

		refreshed++
		if _, err := s.refresh(s.ctx, row.StoreID, TriggerSweep); err != nil {
			// Already logged with classification inside the refresh.
			continue
		}
	}

	s.logger.Info("catalog sweep finished",
		slog.Int("stores", len(rows)),
		slog.Int("refreshed", refreshed),
		slog.Int("skipped", skipped))
}

// refresh funnels every trigger through the per-store single-flight
// group. Concurrent triggers for one store share one upstream fetch.
func (s *Scheduler) refresh(ctx context.Context, storeID string, trigger Trigger) (*catalog.Entry, error) {
	result, err, shared := s.group.Do(storeID, func() (interface{}, error) {
		return s.doRefresh(ctx, storeID, trigger)
	})
	if shared {
		s.logger.Debug("joined in-flight refresh",
			slog.String("store_id", storeID), slog.String("trigger", string(trigger)))
	}
	if err != nil {
		return nil, err
	}
	return result.(*catalog.Entry), nil
}

func (s *Scheduler) doRefresh(ctx context.Context, storeID string, trigger Trigger) (*catalog.Entry, error) {
	if err := s.pace.Wait(ctx); err != nil {
		return nil, err
	}

	row, err := s.db.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("store %s: %w", storeID, apperrors.ErrStoreNotLinked)
		}
		return nil, fmt.Errorf("load store %s: %w", storeID, err)
	}

	client, err := s.clients.For(storeID, row.APIKeySealed)
	if err != nil {
		return nil, fmt.Errorf("build client for store %s: %w", storeID, err)
	}

	start := time.Now()
	details, err := client.FullCatalog(ctx)
	duration := time.Since(start)
	if err != nil {
		return nil, s.failure(ctx, storeID, trigger, duration, err)
	}

	products, versions := flatten(details)
	entry, err := s.cache.Replace(ctx, storeID, products, versions, time.Now().UTC())
	if err != nil {
		return nil, s.failure(ctx, storeID, trigger, duration, err)
	}

	if s.cache.IsInvalid(storeID) {
		s.cache.ClearInvalid(ctx, storeID)
		s.publish(ctx, events.New(events.TypeCredentialsRestored, storeID, nil))
		s.logger.InfoContext(ctx, "store credentials working again",
			slog.String("store_id", storeID))
	}

	infrastructure.RecordRefreshMetrics(ctx, s.metrics, storeID, string(trigger), "ok", duration)
	s.publish(ctx, events.New(events.TypeRefreshCompleted, storeID, map[string]interface{}{
		"trigger":     string(trigger),
		"products":    len(entry.Products),
		"versions":    len(entry.Versions),
		"duration_ms": duration.Milliseconds(),
	}))
	s.logger.InfoContext(ctx, "catalog refreshed",
		slog.String("store_id", storeID),
		slog.String("trigger", string(trigger)),
		slog.Int("products", len(entry.Products)),
		slog.Int("versions", len(entry.Versions)),
		slog.Duration("duration", duration))

	return entry, nil
}

// failure classifies a refresh error, records it, and hands it back
// for the caller to propagate.
func (s *Scheduler) failure(ctx context.Context, storeID string, trigger Trigger, duration time.Duration, err error) error {
	result := "error"
	switch {
	case errors.Is(err, apperrors.ErrUpstreamAuthInvalid):
		result = "auth_invalid"
		s.cache.MarkInvalid(ctx, storeID)
		s.publish(ctx, events.New(events.TypeCredentialsInvalid, storeID, map[string]interface{}{
			"error": err.Error(),
		}))
		s.logger.ErrorContext(ctx, "store credentials rejected, routine refreshes paused",
			slog.String("store_id", storeID), slog.Any("error", err))

	case errors.Is(err, apperrors.ErrUpstreamTransient):
		result = "transient"
		s.logger.WarnContext(ctx, "catalog refresh hit a transient upstream failure",
			slog.String("store_id", storeID),
			slog.String("trigger", string(trigger)),
			slog.Any("error", err))

	default:
		s.logger.ErrorContext(ctx, "catalog refresh failed",
			slog.String("store_id", storeID),
			slog.String("trigger", string(trigger)),
			slog.Any("error", err))
	}

	infrastructure.RecordRefreshMetrics(ctx, s.metrics, storeID, string(trigger), result, duration)
	s.publish(ctx, events.New(events.TypeRefreshFailed, storeID, map[string]interface{}{
		"trigger": string(trigger),
		"result":  result,
		"error":   err.Error(),
	}))
	return err
}

func (s *Scheduler) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event)
}

// stale reports whether the store's catalog is old enough for a warm
// refresh. A store with no entry at all is always stale.
func (s *Scheduler) stale(storeID string) bool {
	entry, ok := s.cache.Get(storeID)
	if !ok {
		return true
	}
	return time.Since(entry.LastRefreshed) >= s.cfg.StaleThreshold
}

func flatten(details []store.ProductDetail) ([]catalog.Product, []catalog.Version) {
	products := make([]catalog.Product, 0, len(details))
	var versions []catalog.Version
	for _, detail := range details {
		products = append(products, catalog.Product{ID: detail.ID, Name: detail.Name})
		for _, version := range detail.Versions {
			versions = append(versions, catalog.Version{
				ProductID: detail.ID,
				ID:        version.ID,
				Name:      version.Name,
			})
		}
	}
	return products, versions
}
