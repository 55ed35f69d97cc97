// Package worker holds the enrichment pools: ContentPool fetches and
// extracts full article text, TopicPool tags articles with topics. Both
// fan out through a dispatcher with an explicit concurrency cap and keep
// item failures inside their counters.
package worker
