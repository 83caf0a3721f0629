// Package main is the entry point for the connmgr daemon.
//
// The daemon runs the connection manager against a configured exchange
// API and exposes an admin HTTP surface for operators:
//
//   - GET /          liveness
//   - GET /health    derived health (503 when unhealthy)
//   - GET /stats     pool and stream statistics
//   - GET /endpoints per-endpoint circuit breaker status
//   - GET /metrics   Prometheus exposition
//
// Configuration comes from CONNMGR_-prefixed environment variables
// (12-factor); see internal/config for the full list.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown (streams first, then the pool)
package main
