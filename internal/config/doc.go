// Package config provides centralized configuration management for keygate.
// It handles loading configuration from the environment and an optional YAML
// file, validation, and a type-safe API for the rest of the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (keygate.yaml, or KEYGATE_CONFIG_FILE)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern KEYGATE_* for namespacing:
//
//	KEYGATE_SERVER_PORT=8080
//	KEYGATE_DATABASE_PATH=data/keygate.db
//	KEYGATE_STORE_BASE_URL=https://api.example-store.com/v1
//	KEYGATE_STORE_SEAL_SECRET=...
//	KEYGATE_REFRESH_SWEEP_INTERVAL=24h
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
