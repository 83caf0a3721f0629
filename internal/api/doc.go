// Package api serves the admin HTTP surface: liveness, derived health,
// pool and stream statistics, endpoint breaker status, and Prometheus
// metrics.
package api
