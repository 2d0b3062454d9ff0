// Package main hosts the entity scraper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /v1/scrape (run the full
//     extraction pipeline for one URL), POST /v1/check-permission (policy-only
//     evaluation without fetching), health endpoints, and /metrics.
//   - Pipeline: internal/pipeline sequences the per-domain rate limiter, the
//     robots-gated content extractor, the Gemini field extraction call, contact
//     normalization, and the upsert into the entity store keyed by website.
//     Each run is synchronous with explicit timeouts at every network hop; a
//     single failure aborts the run with a coded error.
//   - Policy: internal/policy/robots caches parsed robots.txt per host with a
//     configurable fail-open/fail-closed mode; internal/policy/site runs the
//     composite permission sequence (robots, rate-limit headers, status,
//     content type, terms-of-service discovery); internal/policy/ratelimit
//     counts requests per host in fixed one-minute windows.
//   - Persistence & fanout: entity records live in Postgres (or in memory when
//     no DSN is configured); raw fetched pages are archived best-effort to the
//     configured blob store (memory/local/GCS); an entity event is published
//     to Pub/Sub after every successful upsert when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files with the
//     SCRAPER_ prefix; zap provides structured logging; Prometheus metrics and
//     OpenTelemetry tracing are exported via internal/telemetry.
//
// Run locally: go run ./cmd/scraperd -config config.yaml (or rely solely on
// env overrides). The process reacts to SIGINT/SIGTERM with a graceful drain
// of the HTTP server followed by infrastructure shutdown.
package main
