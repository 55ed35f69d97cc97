package feed

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/dispatcher"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 8
)

const feedAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"

// PullOptions bounds one fetch cycle.
type PullOptions struct {
	SinceHours   int
	MaxPerSource int
	GlobalLimit  int
	Timeout      time.Duration
	Concurrency  int
}

// SourceError records a failed source. Each source appears at most once.
type SourceError struct {
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
}

// PullResult is the merged output of one fetch cycle.
type PullResult struct {
	Items        []newsdesk.RawItem
	SourceCount  int
	ArticleCount int
	Errors       []SourceError
	// Succeeded lists the ids of sources fetched without error.
	Succeeded []string
	FetchedAt time.Time
}

// Puller fetches and parses feeds concurrently.
type Puller struct {
	fetcher newsdesk.Fetcher
	clock   newsdesk.Clock
	logger  *zap.Logger
}

// NewPuller wires a Puller.
func NewPuller(fetcher newsdesk.Fetcher, clock newsdesk.Clock, logger *zap.Logger) *Puller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{fetcher: fetcher, clock: clock, logger: logger}
}

// Pull fetches every source. A source that errors or times out adds one
// SourceError and no items; the batch itself never fails.
func (p *Puller) Pull(ctx context.Context, sources []newsdesk.SourceRecord, opts PullOptions) PullResult {
	now := p.clock.Now()
	var cutoff time.Time
	if opts.SinceHours > 0 {
		cutoff = now.Add(-time.Duration(opts.SinceHours) * time.Hour)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	perSource := make([][]newsdesk.RawItem, len(sources))
	failures := make([]error, len(sources))

	// fn never returns an error, so Each only fails on parent cancellation,
	// which surfaces as per-source errors below.
	_ = dispatcher.New(concurrency).Each(ctx, len(sources), func(ctx context.Context, i int) error {
		items, err := p.pullOne(ctx, sources[i], timeout)
		if err != nil {
			failures[i] = err
			return nil
		}
		perSource[i] = capPerSource(filterSince(items, cutoff), opts.MaxPerSource)
		return nil
	})

	result := PullResult{FetchedAt: now}
	var merged []newsdesk.RawItem
	for i, src := range sources {
		err := failures[i]
		if err == nil && perSource[i] == nil && ctx.Err() != nil {
			err = fmt.Errorf("not fetched: %w", ctx.Err())
		}
		if err != nil {
			p.logger.Warn("source fetch failed", zap.String("source_id", src.ID), zap.Error(err))
			result.Errors = append(result.Errors, SourceError{SourceID: src.ID, Message: err.Error()})
			continue
		}
		result.SourceCount++
		result.Succeeded = append(result.Succeeded, src.ID)
		merged = append(merged, perSource[i]...)
	}

	sortMerged(merged)
	if opts.GlobalLimit > 0 && len(merged) > opts.GlobalLimit {
		merged = merged[:opts.GlobalLimit]
	}
	result.Items = merged
	result.ArticleCount = len(merged)

	p.logger.Info("feed pull complete",
		zap.Int("sources", len(sources)),
		zap.Int("succeeded", result.SourceCount),
		zap.Int("failed", len(result.Errors)),
		zap.Int("items", result.ArticleCount),
	)
	return result
}

func (p *Puller) pullOne(ctx context.Context, src newsdesk.SourceRecord, timeout time.Duration) ([]newsdesk.RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.fetcher.Fetch(ctx, newsdesk.FetchRequest{
		URL:     src.FeedURL,
		Headers: map[string]string{"Accept": feedAccept},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.FeedURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: status %d", src.FeedURL, resp.StatusCode)
	}

	items, err := Parse(src.ID, resp.Body)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []newsdesk.RawItem{}
	}
	return items, nil
}

// filterSince drops items older than cutoff. Untimed items are kept.
func filterSince(items []newsdesk.RawItem, cutoff time.Time) []newsdesk.RawItem {
	if cutoff.IsZero() {
		return items
	}
	kept := items[:0:0]
	for _, it := range items {
		if it.PublishedAt != nil && it.PublishedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// capPerSource orders items most recent first and keeps at most limit.
func capPerSource(items []newsdesk.RawItem, limit int) []newsdesk.RawItem {
	sort.SliceStable(items, func(i, j int) bool {
		return newer(items[i], items[j])
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []newsdesk.RawItem{}
	}
	return items
}

func sortMerged(items []newsdesk.RawItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if newer(a, b) {
			return true
		}
		if newer(b, a) {
			return false
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Link < b.Link
	})
}

// newer reports whether a sorts strictly before b by recency. Untimed
// items sort last.
func newer(a, b newsdesk.RawItem) bool {
	switch {
	case a.PublishedAt == nil:
		return false
	case b.PublishedAt == nil:
		return true
	default:
		return a.PublishedAt.After(*b.PublishedAt)
	}
}
