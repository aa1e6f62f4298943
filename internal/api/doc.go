// Package api hosts the operator HTTP surface. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for queue counts, worker sessions and the proxy pool.
package api
