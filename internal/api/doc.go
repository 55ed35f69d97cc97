// Package api hosts the HTTP server, middleware, and REST handlers for the
// newsdesk. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs/{stage} to trigger ingest, enrich-content, enrich-topics,
//     cluster, or all stages in order.
//   - GET /v1/stories, /v1/stories/{cluster_key} and /v1/articles/{id} for
//     downstream readers.
//   - POST /v1/articles/{id}/contracts to record an article to contract link.
package api
