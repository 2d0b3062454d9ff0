// Package api hosts the HTTP server, middleware, and REST handlers for the
// scraper service. Notable routes:
//   - POST /v1/scrape to run the extraction pipeline for one URL.
//   - POST /v1/check-permission for a policy-only check without fetching.
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
package api
