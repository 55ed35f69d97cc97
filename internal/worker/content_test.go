package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/clock/system"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/storage/memory"
)

func okResp(url, body string) newsdesk.FetchResponse {
	return newsdesk.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestContentPoolCountsOutcomes(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		responses: map[string]newsdesk.FetchResponse{
			"https://a.test/1": okResp("https://a.test/1", "Dark Eagle flew again today"),
			"https://a.test/2": {URL: "https://a.test/2", StatusCode: http.StatusNotFound},
			"https://a.test/4": okResp("https://a.test/4", "   "),
		},
		errs: map[string]error{"https://a.test/3": errors.New("connection reset")},
	}
	store := newFakeContentStore()
	blobs := memory.NewBlobStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pool := NewContentPool(ContentDeps{
		Fetcher:   fetcher,
		Extractor: wordExtractor{},
		Blobs:     blobs,
		Store:     store,
		Clock:     system.NewFixed(now),
	}, ContentConfig{BlobPrefix: "archive"}, zap.NewNop())

	articles := []newsdesk.ArticleRecord{
		{ID: "u_ab01", URL: "https://a.test/1"},
		{ID: "u_ab02", URL: "https://a.test/2"},
		{ID: "u_ab03", URL: "https://a.test/3"},
		{ID: "u_ab04", URL: "https://a.test/4"},
		{ID: "t_cd05"},
		{ID: "u_ab06", URL: "https://a.test/6", ContentStatus: newsdesk.ContentFetched},
	}
	counts, err := pool.Enrich(context.Background(), articles, ContentOptions{Concurrency: 3, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, ContentCounts{Processed: 5, Fetched: 1, Failed: 4}, counts)
	require.Equal(t, counts.Processed, counts.Fetched+counts.Failed)
	require.LessOrEqual(t, counts.Processed, len(articles))

	got := store.updates["u_ab01"]
	require.Equal(t, newsdesk.ContentFetched, got.Status)
	require.Equal(t, "Dark Eagle flew again today", got.Body)
	require.Equal(t, 5, got.WordCount)
	require.Equal(t, now, got.FetchedAt)
	require.Equal(t, "memory://archive/articles/ab/u_ab01.txt", got.BodyURI)
	body, found := blobs.Object("archive/articles/ab/u_ab01.txt")
	require.True(t, found)
	require.Equal(t, got.Body, string(body))

	for _, id := range []string{"u_ab02", "u_ab03", "u_ab04", "t_cd05"} {
		require.Equal(t, newsdesk.ContentFailed, store.updates[id].Status, id)
		require.Empty(t, store.updates[id].Body, id)
	}
	_, touched := store.updates["u_ab06"]
	require.False(t, touched)
	require.NotContains(t, fetcher.calls, "https://a.test/6")
}

func TestContentPoolItemTimeoutDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		responses: map[string]newsdesk.FetchResponse{"https://a.test/fast": okResp("https://a.test/fast", "quick story body")},
		hang:      map[string]bool{"https://a.test/slow": true},
	}
	store := newFakeContentStore()
	pool := NewContentPool(ContentDeps{Fetcher: fetcher, Extractor: wordExtractor{}, Store: store}, ContentConfig{}, nil)

	start := time.Now()
	counts, err := pool.Enrich(context.Background(), []newsdesk.ArticleRecord{
		{ID: "u_slow", URL: "https://a.test/slow"},
		{ID: "u_fast", URL: "https://a.test/fast"},
	}, ContentOptions{Concurrency: 2, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, ContentCounts{Processed: 2, Fetched: 1, Failed: 1}, counts)
	require.Equal(t, newsdesk.ContentFetched, store.updates["u_fast"].Status)
	require.Equal(t, newsdesk.ContentFailed, store.updates["u_slow"].Status)
}

func TestContentPoolHeadlessPromotion(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{responses: map[string]newsdesk.FetchResponse{
		"https://spa.test/a": okResp("https://spa.test/a", "loading"),
	}}
	rendered := &fakeFetcher{responses: map[string]newsdesk.FetchResponse{
		"https://spa.test/a": {URL: "https://spa.test/a", StatusCode: http.StatusOK, Body: []byte("the rendered article has many more words"), UsedHeadless: true},
	}}
	observer := &countingObserver{}
	store := newFakeContentStore()
	pool := NewContentPool(ContentDeps{
		Fetcher:   static,
		Headless:  rendered,
		Detector:  alwaysRender{},
		Extractor: wordExtractor{},
		Store:     store,
		Observer:  observer,
	}, ContentConfig{}, zap.NewNop())

	counts, err := pool.Enrich(context.Background(), []newsdesk.ArticleRecord{{ID: "u_1", URL: "https://spa.test/a"}}, ContentOptions{Concurrency: 1})
	require.NoError(t, err)
	require.Equal(t, 1, counts.Fetched)
	require.Equal(t, "the rendered article has many more words", store.updates["u_1"].Body)
	require.EqualValues(t, 1, observer.n.Load())
}

func TestContentPoolHeadlessFailureKeepsStaticBody(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{responses: map[string]newsdesk.FetchResponse{
		"https://spa.test/a": okResp("https://spa.test/a", "short static text"),
	}}
	rendered := &fakeFetcher{errs: map[string]error{"https://spa.test/a": errors.New("chrome crashed")}}
	store := newFakeContentStore()
	pool := NewContentPool(ContentDeps{
		Fetcher:   static,
		Headless:  rendered,
		Detector:  alwaysRender{},
		Extractor: wordExtractor{},
		Store:     store,
	}, ContentConfig{}, nil)

	counts, err := pool.Enrich(context.Background(), []newsdesk.ArticleRecord{{ID: "u_1", URL: "https://spa.test/a"}}, ContentOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, counts.Fetched)
	require.Equal(t, "short static text", store.updates["u_1"].Body)
}

func TestContentPoolStoreErrorIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]newsdesk.FetchResponse{"https://a.test/1": okResp("https://a.test/1", "body")}}
	store := newFakeContentStore()
	store.err = errors.New("connection refused")
	pool := NewContentPool(ContentDeps{Fetcher: fetcher, Extractor: wordExtractor{}, Store: store}, ContentConfig{}, nil)

	counts, err := pool.Enrich(context.Background(), []newsdesk.ArticleRecord{{ID: "u_1", URL: "https://a.test/1"}}, ContentOptions{Concurrency: 1})
	require.Error(t, err)
	require.ErrorContains(t, err, "connection refused")
	require.Zero(t, counts.Processed)
}

func TestContentPoolRespectsConcurrency(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]newsdesk.FetchResponse{}, delay: 20 * time.Millisecond}
	var articles []newsdesk.ArticleRecord
	for i := 0; i < 12; i++ {
		url := fmt.Sprintf("https://a.test/%d", i)
		fetcher.responses[url] = okResp(url, "some words here")
		articles = append(articles, newsdesk.ArticleRecord{ID: fmt.Sprintf("u_%02d", i), URL: url})
	}
	pool := NewContentPool(ContentDeps{Fetcher: fetcher, Extractor: wordExtractor{}, Store: newFakeContentStore()}, ContentConfig{}, nil)

	counts, err := pool.Enrich(context.Background(), articles, ContentOptions{Concurrency: 2, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, 12, counts.Fetched)
	require.LessOrEqual(t, fetcher.maxFlight.Load(), int32(2))
}

func TestBlobPath(t *testing.T) {
	t.Parallel()

	p := NewContentPool(ContentDeps{}, ContentConfig{BlobPrefix: "/bodies/"}, nil)
	require.Equal(t, "bodies/articles/9f/u_9f00.txt", p.blobPath("u_9f00"))
	require.Equal(t, "articles/xx/odd.txt", NewContentPool(ContentDeps{}, ContentConfig{}, nil).blobPath("odd"))
}
