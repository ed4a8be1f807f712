package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "keygate/internal/errors"
	"keygate/internal/catalog"
	"keygate/internal/sqlite"
)

// RefreshScheduler is the slice of the refresh scheduler the services
// use. *refresh.Scheduler satisfies it.
type RefreshScheduler interface {
	Warm(storeID string)
	ForceRefresh(ctx context.Context, storeID string) (*catalog.Entry, error)
}

// RefreshResult summarizes a completed administrative refresh.
type RefreshResult struct {
	StoreID       string    `json:"store_id"`
	Products      int       `json:"products"`
	Versions      int       `json:"versions"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// CatalogService provides business logic for catalog lookups
type CatalogService interface {
	Autocomplete(ctx context.Context, storeID, prefix string, limit int) ([]catalog.Product, error)
	Refresh(ctx context.Context, storeID string) (*RefreshResult, error)
}

type catalogService struct {
	stores       StoreDirectory
	cache        *catalog.Cache
	scheduler    RefreshScheduler
	defaultLimit int
	logger       *slog.Logger
}

// NewCatalogService creates a new catalog service. defaultLimit bounds
// autocomplete responses when the caller does not pass a limit.
func NewCatalogService(stores StoreDirectory, cache *catalog.Cache, scheduler RefreshScheduler, defaultLimit int, logger *slog.Logger) CatalogService {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultLimit <= 0 {
		defaultLimit = 25
	}
	return &catalogService{
		stores:       stores,
		cache:        cache,
		scheduler:    scheduler,
		defaultLimit: defaultLimit,
		logger:       logger.With(slog.String("service", "catalog")),
	}
}

// Autocomplete matches cached product names by prefix. Serving from the
// cache keeps typing latency off the upstream API; a priority warm is
// kicked off on the side when the entry has gone stale.
func (s *catalogService) Autocomplete(ctx context.Context, storeID, prefix string, limit int) ([]catalog.Product, error) {
	if _, known := s.cache.Get(storeID); !known {
		// No cached entry yet. Only linked stores get the empty answer,
		// everything else is a 404.
		if err := requireLinked(ctx, s.stores, storeID); err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = s.defaultLimit
	}

	s.scheduler.Warm(storeID)
	return s.cache.Autocomplete(storeID, prefix, limit), nil
}

// Refresh forces a synchronous catalog refresh and reports the result.
func (s *catalogService) Refresh(ctx context.Context, storeID string) (*RefreshResult, error) {
	entry, err := s.scheduler.ForceRefresh(ctx, storeID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "catalog refreshed on demand",
		slog.String("store_id", storeID),
		slog.Int("products", len(entry.Products)),
		slog.Int("versions", len(entry.Versions)))

	return &RefreshResult{
		StoreID:       storeID,
		Products:      len(entry.Products),
		Versions:      len(entry.Versions),
		LastRefreshed: entry.LastRefreshed,
	}, nil
}

// requireLinked turns an unknown store id into ErrStoreNotLinked.
func requireLinked(ctx context.Context, stores StoreDirectory, storeID string) error {
	if _, err := stores.GetStore(ctx, storeID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("store %s: %w", storeID, apperrors.ErrStoreNotLinked)
		}
		return fmt.Errorf("failed to load store %s: %w", storeID, err)
	}
	return nil
}
