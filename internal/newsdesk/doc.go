// Package newsdesk defines the entity types and capability interfaces shared
// by the ingestion, enrichment and clustering stages.
//
// Stages depend only on the small interfaces declared here; concrete
// adapters (colly fetcher, Postgres store, Anthropic generator, Pub/Sub
// publisher) live in leaf packages and are wired together by cmd.
package newsdesk
