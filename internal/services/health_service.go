package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/catalog"
)

// HealthDB is the persistence slice used by health checks. *sqlite.DB
// satisfies it.
type HealthDB interface {
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (minor, patch int64, err error)
}

// SubscriberCounter reports connected event subscribers. *events.Hub
// satisfies it.
type SubscriberCounter interface {
	ClientCount() int
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// Healthy reports whether every checked dependency is up.
func (h *HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// ServiceHealth represents individual dependency health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthService provides liveness and readiness checks
type HealthService interface {
	Liveness(ctx context.Context) *HealthStatus
	Readiness(ctx context.Context) *HealthStatus
}

type healthService struct {
	version   string
	db        HealthDB
	cache     *catalog.Cache
	hub       SubscriberCounter
	startTime time.Time
	logger    *slog.Logger
}

// NewHealthService creates a new health service
func NewHealthService(version string, db HealthDB, cache *catalog.Cache, hub SubscriberCounter, logger *slog.Logger) HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &healthService{
		version:   version,
		db:        db,
		cache:     cache,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Liveness reports that the process is up. It never touches
// dependencies, so a wedged database cannot make the process restart.
func (s *healthService) Liveness(_ context.Context) *HealthStatus {
	return &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
}

// Readiness checks the dependencies a request would need.
func (s *healthService) Readiness(ctx context.Context) *HealthStatus {
	services := make(map[string]ServiceHealth)
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		healthy = false
		services["database"] = ServiceHealth{Status: "down", Message: err.Error()}
		s.logger.ErrorContext(ctx, "database ping failed", slog.String("error", err.Error()))
	} else if minor, patch, err := s.db.SchemaVersion(ctx); err != nil {
		healthy = false
		services["database"] = ServiceHealth{Status: "down", Message: err.Error()}
	} else {
		services["database"] = ServiceHealth{
			Status:  "up",
			Message: fmt.Sprintf("schema v%d.%d", minor, patch),
		}
	}

	if s.cache != nil {
		services["catalog"] = ServiceHealth{
			Status:  "up",
			Message: fmt.Sprintf("%d stores cached", len(s.cache.Snapshot())),
		}
	}
	if s.hub != nil {
		services["events"] = ServiceHealth{
			Status:  "up",
			Message: fmt.Sprintf("%d subscribers", s.hub.ClientCount()),
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return &HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  services,
	}
}
