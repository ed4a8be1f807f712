package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "keygate/internal/errors"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/sqlite"
	"keygate/internal/store"
)

// StoreDirectory resolves linked stores. *sqlite.DB satisfies it.
type StoreDirectory interface {
	GetStore(ctx context.Context, storeID string) (*sqlite.StoreRow, error)
}

// StoreClient is the slice of the upstream client the services use.
// *store.Client satisfies it.
type StoreClient interface {
	license.StoreAPI
	CurrentUser(ctx context.Context) (*store.AuthUser, error)
}

// ClientSource builds upstream clients from sealed credentials. The
// application adapts *store.ClientCache to this seam.
type ClientSource interface {
	For(storeID, sealedKey string) (StoreClient, error)
	Forget(storeID string)
}

// ActivationService provides business logic for license activations
type ActivationService interface {
	Activate(ctx context.Context, storeID, licenseKey, identity string) (*license.Result, error)
	Deactivate(ctx context.Context, storeID, licenseRef, identity string) error
	Lock(ctx context.Context, storeID, licenseRef string) error
	Unlock(ctx context.Context, storeID, licenseRef string) error
}

type activationService struct {
	stores   StoreDirectory
	clients  ClientSource
	resolver *license.Resolver
	events   events.Publisher
	metrics  *infrastructure.Metrics
	logger   *slog.Logger
}

// NewActivationService creates a new activation service
func NewActivationService(stores StoreDirectory, clients ClientSource, resolver *license.Resolver, publisher events.Publisher, metrics *infrastructure.Metrics, logger *slog.Logger) ActivationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &activationService{
		stores:   stores,
		clients:  clients,
		resolver: resolver,
		events:   publisher,
		metrics:  metrics,
		logger:   logger.With(slog.String("service", "activation")),
	}
}

// Activate runs the activation protocol for one key and identity.
func (s *activationService) Activate(ctx context.Context, storeID, licenseKey, identity string) (result *license.Result, err error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		infrastructure.RecordActivationMetrics(ctx, s.metrics, storeID, outcome, time.Since(start))
	}()

	client, err := s.clientFor(ctx, storeID)
	if err != nil {
		outcome = outcomeForError(err)
		return nil, err
	}

	result, err = s.resolver.Activate(ctx, storeID, client, licenseKey, identity)
	if err != nil {
		outcome = outcomeForError(err)

		var conflict *license.ConflictError
		if errors.As(err, &conflict) {
			if s.metrics != nil {
				s.metrics.ActivationConflicts.Add(ctx, 1,
					metric.WithAttributes(attribute.String("store_id", storeID)))
			}
			s.publish(ctx, events.New(events.TypeActivationConflict, storeID, map[string]interface{}{
				"identity":            identity,
				"registered_identity": conflict.RegisteredIdentity,
			}))
		}

		s.logger.DebugContext(ctx, "activation refused",
			slog.String("store_id", storeID),
			slog.String("identity", identity),
			slog.String("outcome", outcome))
		return nil, err
	}

	outcome = string(result.Status)
	s.logger.InfoContext(ctx, "activation granted",
		slog.String("store_id", storeID),
		slog.String("identity", result.Identity),
		slog.String("license_id", result.LicenseID),
		slog.String("status", outcome))
	s.publish(ctx, events.New(events.TypeActivation, storeID, map[string]interface{}{
		"identity":      result.Identity,
		"license_id":    result.LicenseID,
		"activation_id": result.ActivationID,
		"status":        string(result.Status),
	}))
	return result, nil
}

// Deactivate removes an identity's activation from a license.
func (s *activationService) Deactivate(ctx context.Context, storeID, licenseRef, identity string) error {
	client, err := s.clientFor(ctx, storeID)
	if err != nil {
		return err
	}
	if err := s.resolver.Deactivate(ctx, storeID, client, licenseRef, identity); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("store_id", storeID),
		slog.String("license", licenseRef),
		slog.String("identity", identity))
	s.publish(ctx, events.New(events.TypeDeactivation, storeID, map[string]interface{}{
		"identity": identity,
		"license":  licenseRef,
	}))
	return nil
}

// Lock places the lock marker on a license.
func (s *activationService) Lock(ctx context.Context, storeID, licenseRef string) error {
	client, err := s.clientFor(ctx, storeID)
	if err != nil {
		return err
	}
	if err := s.resolver.Lock(ctx, storeID, client, licenseRef); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "license locked",
		slog.String("store_id", storeID),
		slog.String("license", licenseRef))
	s.publish(ctx, events.New(events.TypeLicenseLocked, storeID, map[string]interface{}{
		"license": licenseRef,
	}))
	return nil
}

// Unlock removes the lock marker from a license.
func (s *activationService) Unlock(ctx context.Context, storeID, licenseRef string) error {
	client, err := s.clientFor(ctx, storeID)
	if err != nil {
		return err
	}
	if err := s.resolver.Unlock(ctx, storeID, client, licenseRef); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "license unlocked",
		slog.String("store_id", storeID),
		slog.String("license", licenseRef))
	s.publish(ctx, events.New(events.TypeLicenseUnlocked, storeID, map[string]interface{}{
		"license": licenseRef,
	}))
	return nil
}

func (s *activationService) clientFor(ctx context.Context, storeID string) (StoreClient, error) {
	row, err := s.stores.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("store %s: %w", storeID, apperrors.ErrStoreNotLinked)
		}
		return nil, fmt.Errorf("failed to load store %s: %w", storeID, err)
	}

	client, err := s.clients.For(storeID, row.APIKeySealed)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for store %s: %w", storeID, err)
	}
	return client, nil
}

func (s *activationService) publish(ctx context.Context, event events.Event) {
	if s.events != nil {
		s.events.Publish(ctx, event)
	}
}

// outcomeForError labels a failed attempt for metrics. Keys bought at
// another vendor get their own label so support can spot confused
// customers without reading logs.
func outcomeForError(err error) string {
	var apiErr *apperrors.APIError
	var format *license.KeyFormatError
	switch {
	case errors.As(err, &format) && format.ForeignVendor():
		return "foreign_key"
	case errors.Is(err, apperrors.ErrInvalidLicense):
		return "invalid_license"
	case errors.Is(err, apperrors.ErrLicenseLocked):
		return "locked"
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		return "conflict"
	case errors.Is(err, apperrors.ErrStoreNotLinked):
		return "store_not_linked"
	case errors.Is(err, apperrors.ErrUpstreamAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, apperrors.ErrUpstreamTransient):
		return "transient"
	case errors.Is(err, apperrors.ErrUpstreamUnexpected):
		return "upstream_error"
	case errors.Is(err, apperrors.ErrIdentityReserved), errors.As(err, &apiErr):
		return "rejected"
	default:
		return "error"
	}
}
