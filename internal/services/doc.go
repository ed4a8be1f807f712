// Package services implements the business logic layer of the gateway.
// It sits between the HTTP handlers and the domain packages, so that
// handlers stay thin and every rule is testable without a router.
//
// # Architecture
//
// Services follow these principles:
//
//	1. Interface-driven design for handler testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection through narrow seams
//	4. Error transformation into the domain taxonomy
//
// # Available Services
//
//	- ActivationService: license activation, deactivation and lock admin
//	- CatalogService: product autocomplete and catalog refreshes
//	- StoreService: credential linking, unlinking and store listings
//	- ReportService: CSV/XLSX report downloads
//	- HealthService: liveness and readiness checks
//
// # Error Handling
//
// Services return errors wrapping the sentinels in internal/errors; the
// transport layer maps them to RFC 7807 problem responses. A service
// never writes HTTP concepts itself.
package services
