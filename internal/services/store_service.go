package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	apperrors "keygate/internal/errors"
	"keygate/internal/catalog"
	"keygate/internal/events"
	"keygate/internal/security"
	"keygate/internal/sqlite"
)

// storeIDPattern bounds what we accept as an upstream store identifier.
var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// StoreAdmin is the persistence slice used for credential admin.
// *sqlite.DB satisfies it.
type StoreAdmin interface {
	UpsertStore(ctx context.Context, storeID, displayName, apiKeySealed string) error
	DeleteStore(ctx context.Context, storeID string) error
	ListStores(ctx context.Context) ([]*sqlite.StoreRow, error)
}

// ScopeError reports which required API scopes a credential lacks.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("credential missing required scopes: %s", strings.Join(e.Missing, ", "))
}

func (e *ScopeError) Unwrap() error {
	return apperrors.ErrMissingScopes
}

// StoreOverview is one linked store's status for listings and link
// responses.
type StoreOverview struct {
	StoreID            string     `json:"store_id"`
	DisplayName        string     `json:"display_name"`
	State              string     `json:"state"`
	Products           int        `json:"products"`
	Versions           int        `json:"versions"`
	LastRefreshed      *time.Time `json:"last_refreshed,omitempty"`
	CredentialsInvalid bool       `json:"credentials_invalid"`
}

// StoreService provides business logic for store credential admin
type StoreService interface {
	Link(ctx context.Context, storeID, displayName, apiKey string) (*StoreOverview, error)
	Unlink(ctx context.Context, storeID string) error
	List(ctx context.Context) ([]StoreOverview, error)
}

type storeService struct {
	db        StoreAdmin
	sealer    *security.Sealer
	clients   ClientSource
	cache     *catalog.Cache
	scheduler RefreshScheduler
	events    events.Publisher
	logger    *slog.Logger
}

// NewStoreService creates a new store service
func NewStoreService(db StoreAdmin, sealer *security.Sealer, clients ClientSource, cache *catalog.Cache, scheduler RefreshScheduler, publisher events.Publisher, logger *slog.Logger) StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeService{
		db:        db,
		sealer:    sealer,
		clients:   clients,
		cache:     cache,
		scheduler: scheduler,
		events:    publisher,
		logger:    logger.With(slog.String("service", "store")),
	}
}

// Link registers or replaces a store credential. The key is proven
// against the upstream /me endpoint and its scopes checked before
// anything is persisted, so a bad link fails closed.
func (s *storeService) Link(ctx context.Context, storeID, displayName, apiKey string) (*StoreOverview, error) {
	if !storeIDPattern.MatchString(storeID) {
		return nil, apperrors.ErrValidation("store_id", "store id must be 1-64 characters of A-Za-z0-9._-")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, apperrors.ErrValidation("api_key", "api_key is required")
	}

	sealed, err := s.sealer.Seal(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credentials: %w", err)
	}

	client, err := s.clients.For(storeID, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for store %s: %w", storeID, err)
	}

	user, err := client.CurrentUser(ctx)
	if err != nil {
		// Drop the cached client so a later link does not reuse the
		// rejected credential.
		s.clients.Forget(storeID)
		return nil, fmt.Errorf("credential check for store %s: %w", storeID, err)
	}
	if missing := user.MissingScopes(); len(missing) > 0 {
		s.clients.Forget(storeID)
		s.logger.WarnContext(ctx, "credential rejected for missing scopes",
			slog.String("store_id", storeID),
			slog.Any("missing_scopes", missing))
		return nil, &ScopeError{Missing: missing}
	}

	if displayName == "" {
		displayName = user.DisplayName()
	}

	if err := s.db.UpsertStore(ctx, storeID, displayName, sealed); err != nil {
		return nil, fmt.Errorf("failed to link store %s: %w", storeID, err)
	}
	s.cache.ClearInvalid(ctx, storeID)

	s.logger.InfoContext(ctx, "store linked",
		slog.String("store_id", storeID),
		slog.String("display_name", displayName),
		slog.String("credential_owner", user.DisplayName()))
	s.publish(ctx, events.New(events.TypeStoreLinked, storeID, map[string]interface{}{
		"display_name": displayName,
	}))

	overview := &StoreOverview{
		StoreID:     storeID,
		DisplayName: displayName,
		State:       "pending",
	}

	// Prime the catalog right away. The link already succeeded, so a
	// failed first fetch only leaves the store pending.
	entry, err := s.scheduler.ForceRefresh(ctx, storeID)
	if err != nil {
		s.logger.WarnContext(ctx, "initial catalog refresh failed after link",
			slog.String("store_id", storeID),
			slog.String("error", err.Error()))
		return overview, nil
	}

	overview.State = "ready"
	overview.Products = len(entry.Products)
	overview.Versions = len(entry.Versions)
	refreshed := entry.LastRefreshed
	overview.LastRefreshed = &refreshed
	return overview, nil
}

// Unlink removes a store credential and every cached trace of it.
func (s *storeService) Unlink(ctx context.Context, storeID string) error {
	if err := s.db.DeleteStore(ctx, storeID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("store %s: %w", storeID, apperrors.ErrStoreNotLinked)
		}
		return fmt.Errorf("failed to unlink store %s: %w", storeID, err)
	}

	s.cache.Remove(ctx, storeID)
	s.clients.Forget(storeID)

	s.logger.InfoContext(ctx, "store unlinked", slog.String("store_id", storeID))
	s.publish(ctx, events.New(events.TypeStoreUnlinked, storeID, nil))
	return nil
}

// List reports every linked store with its cache status.
func (s *storeService) List(ctx context.Context) ([]StoreOverview, error) {
	rows, err := s.db.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}

	statuses := make(map[string]catalog.StoreStatus)
	for _, status := range s.cache.Snapshot() {
		statuses[status.StoreID] = status
	}

	overviews := make([]StoreOverview, 0, len(rows))
	for _, row := range rows {
		overview := StoreOverview{
			StoreID:            row.StoreID,
			DisplayName:        row.DisplayName,
			CredentialsInvalid: !row.APIKeyValid,
		}
		if status, ok := statuses[row.StoreID]; ok {
			overview.Products = status.ProductCount
			overview.Versions = status.VersionCount
			overview.CredentialsInvalid = status.Invalid
			if !status.LastRefreshed.IsZero() {
				refreshed := status.LastRefreshed
				overview.LastRefreshed = &refreshed
			}
		}
		overview.State = storeState(overview)
		overviews = append(overviews, overview)
	}
	return overviews, nil
}

func (s *storeService) publish(ctx context.Context, event events.Event) {
	if s.events != nil {
		s.events.Publish(ctx, event)
	}
}

// storeState collapses a store's status into one operator-facing label.
func storeState(overview StoreOverview) string {
	switch {
	case overview.CredentialsInvalid:
		return "invalid"
	case overview.LastRefreshed == nil:
		return "pending"
	default:
		return "ready"
	}
}
