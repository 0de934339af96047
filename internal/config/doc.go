// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. A .env file in the working directory is loaded first. Every
// field has a default, so running without a file gives a development relay
// for alice and bob on a local SQLite database.
//
// # Configuration File
//
// The CLI resolves the path in order:
//
//  1. The -config flag
//  2. COVEN_RELAY_CONFIG environment variable
//  3. No file (defaults only)
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	store:
//	  password: "${COVEN_RELAY_STORE_PASSWORD}"
//
// COVEN_RELAY_ENV overrides environment and COVEN_RELAY_AGENTS (comma
// separated) overrides agents.names.
//
// # Configuration Sections
//
//	environment: development   # production, development, test
//
//	store:
//	  driver: redis            # sqlite, redis, postgres
//	  url: "redis://localhost:6379/0"
//	  namespace: relay
//
//	local:                     # store container, ignored in production
//	  image: redis
//	  tag: 7-alpine
//	  port: 6379
//	  health_attempts: 25
//	  health_timeout: "30s"
//
//	agents:
//	  names: [alice, bob]
//	  readiness_timeout: "30s"
//	  grace_period: "200ms"
//	  history: true
//	  dedupe_ttl: "5m"
//
//	shutdown:
//	  timeout: "4s"
//	  store_drain: "2s"
//
//	server:
//	  http_addr: "127.0.0.1:8080"  # status endpoints, off when empty
//
//	logging:
//	  level: info              # debug, info, warn, error
//	  format: text             # text, json
//
// # Validation
//
// Load() rejects unknown environments and drivers, missing store URLs for
// networked drivers, and empty or duplicate agent names. All failures are
// reported together.
package config
