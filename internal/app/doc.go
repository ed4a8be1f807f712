// Package app wires the activation gateway together: configuration,
// logging, OpenTelemetry, persistence, the upstream client cache, the
// catalog cache, the event hub, the refresh scheduler, the business
// services and the HTTP server.
//
// # Initialization Flow
//
// NewApplication builds everything in dependency order:
//
//	1. Load configuration from defaults, file and environment
//	2. Initialize logging and OpenTelemetry
//	3. Open SQLite and apply the schema
//	4. Build the credential sealer and upstream client cache
//	5. Warm the catalog cache from persistence
//	6. Create the event hub and refresh scheduler
//	7. Construct the services and the router
//	8. Create (but not start) the HTTP server
//
// # Usage
//
// The main entry point is:
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    ...
//	}
//	if err := application.Run(); err != nil {
//	    ...
//	}
//
// Run blocks until SIGINT or SIGTERM, then shuts down gracefully:
// the server drains in-flight requests, the scheduler and event hub
// stop, the database closes, and telemetry flushes. Initialization
// errors are returned rather than exiting, so main controls the exit
// code.
package app
