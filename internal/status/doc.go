// Package status serves the relay's operational HTTP endpoints.
//
// Endpoints:
//
//   - GET /health - Liveness check, always 200 while the process serves
//   - GET /health/ready - 200 once the store is ready and every agent is registered, 503 before
//   - GET /agents - JSON list of registered agents in registration order
//   - GET /metrics - Prometheus metrics
//
// The server runs as a subsystem of the relay tree and stops when the tree
// shuts down.
package status
