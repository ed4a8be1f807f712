package infrastructure

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application-specific instruments
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// Activation metrics
	ActivationAttempts  metric.Int64Counter
	ActivationDuration  metric.Float64Histogram
	ActivationConflicts metric.Int64Counter

	// Upstream store API metrics
	StoreRequestsTotal   metric.Int64Counter
	StoreRequestDuration metric.Float64Histogram

	// Catalog refresh metrics
	RefreshRunsTotal   metric.Int64Counter
	RefreshDuration    metric.Float64Histogram
	CatalogProducts    metric.Int64UpDownCounter
	CatalogVersions    metric.Int64UpDownCounter
	InvalidCredentials metric.Int64UpDownCounter

	// Event stream metrics
	EventsPublished metric.Int64Counter
	WSClientsActive metric.Int64UpDownCounter
}

// CreateMetrics creates the application instruments on the given meter
func CreateMetrics(meter metric.Meter) (*Metrics, error) {
	httpRequestsTotal, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	httpActiveRequests, err := meter.Int64UpDownCounter(
		"http_active_requests",
		metric.WithDescription("Number of active HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	activationAttempts, err := meter.Int64Counter(
		"activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, err
	}

	activationDuration, err := meter.Float64Histogram(
		"activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	activationConflicts, err := meter.Int64Counter(
		"activation_conflicts_total",
		metric.WithDescription("Total number of activation races lost to a concurrent writer"),
	)
	if err != nil {
		return nil, err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"store_api_requests_total",
		metric.WithDescription("Total number of upstream store API requests"),
	)
	if err != nil {
		return nil, err
	}

	storeRequestDuration, err := meter.Float64Histogram(
		"store_api_request_duration_seconds",
		metric.WithDescription("Upstream store API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	refreshRunsTotal, err := meter.Int64Counter(
		"catalog_refresh_total",
		metric.WithDescription("Total number of catalog refresh runs"),
	)
	if err != nil {
		return nil, err
	}

	refreshDuration, err := meter.Float64Histogram(
		"catalog_refresh_duration_seconds",
		metric.WithDescription("Catalog refresh duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	catalogProducts, err := meter.Int64UpDownCounter(
		"catalog_products",
		metric.WithDescription("Number of products currently cached"),
	)
	if err != nil {
		return nil, err
	}

	catalogVersions, err := meter.Int64UpDownCounter(
		"catalog_versions",
		metric.WithDescription("Number of product versions currently cached"),
	)
	if err != nil {
		return nil, err
	}

	invalidCredentials, err := meter.Int64UpDownCounter(
		"store_credentials_invalid",
		metric.WithDescription("Number of stores currently flagged with invalid credentials"),
	)
	if err != nil {
		return nil, err
	}

	eventsPublished, err := meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of events published to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	wsClientsActive, err := meter.Int64UpDownCounter(
		"ws_clients_active",
		metric.WithDescription("Number of connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		HTTPActiveRequests:  httpActiveRequests,

		ActivationAttempts:  activationAttempts,
		ActivationDuration:  activationDuration,
		ActivationConflicts: activationConflicts,

		StoreRequestsTotal:   storeRequestsTotal,
		StoreRequestDuration: storeRequestDuration,

		RefreshRunsTotal:   refreshRunsTotal,
		RefreshDuration:    refreshDuration,
		CatalogProducts:    catalogProducts,
		CatalogVersions:    catalogVersions,
		InvalidCredentials: invalidCredentials,

		EventsPublished: eventsPublished,
		WSClientsActive: wsClientsActive,
	}, nil
}

// RecordActivationMetrics records the outcome of one activation attempt
func RecordActivationMetrics(ctx context.Context, metrics *Metrics, storeID, outcome string, duration time.Duration) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store_id", storeID),
		attribute.String("outcome", outcome),
	}

	metrics.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.ActivationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStoreRequest records one upstream store API request
func RecordStoreRequest(ctx context.Context, metrics *Metrics, operation, status string, duration time.Duration) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}

	metrics.StoreRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.StoreRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRefreshMetrics records the outcome of one catalog refresh run
func RecordRefreshMetrics(ctx context.Context, metrics *Metrics, storeID, trigger, result string, duration time.Duration) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store_id", storeID),
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	}

	metrics.RefreshRunsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RefreshDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
