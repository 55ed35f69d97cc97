package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/dispatcher"
	"github.com/JakeFAU/defense-newsdesk/internal/extract"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	defaultItemTimeout = 20 * time.Second
	defaultContentType = "text/plain; charset=utf-8"
)

var errNoURL = errors.New("article has no fetchable url")

// Extractor pulls article text out of an HTML body.
type Extractor interface {
	Extract(pageURL string, body []byte) (extract.Result, error)
}

// RenderDetector decides when a static fetch should be redone headless.
type RenderDetector interface {
	NeedsRender(resp newsdesk.FetchResponse, extractedWords int) bool
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HeadlessObserver counts headless re-fetches.
type HeadlessObserver interface {
	ObserveHeadlessFetch()
}

// ContentDeps wires the collaborators of a ContentPool. Headless,
// Detector, Limiter, Blobs and Observer are optional.
type ContentDeps struct {
	Fetcher   newsdesk.Fetcher
	Headless  newsdesk.Fetcher
	Extractor Extractor
	Detector  RenderDetector
	Limiter   Limiter
	Blobs     newsdesk.BlobStore
	Store     newsdesk.ContentStore
	Clock     newsdesk.Clock
	Observer  HeadlessObserver
}

// ContentConfig controls archive layout.
type ContentConfig struct {
	BlobPrefix  string
	ContentType string
}

// ContentOptions bounds one Enrich call.
type ContentOptions struct {
	Concurrency int
	Timeout     time.Duration
}

// ContentCounts summarises one Enrich call. Fetched+Failed == Processed.
type ContentCounts struct {
	Processed int `json:"processed"`
	Fetched   int `json:"fetched"`
	Failed    int `json:"failed"`
}

// ContentPool fetches full text for pending articles.
type ContentPool struct {
	deps   ContentDeps
	cfg    ContentConfig
	logger *zap.Logger
}

// NewContentPool constructs a ContentPool.
func NewContentPool(deps ContentDeps, cfg ContentConfig, logger *zap.Logger) *ContentPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &ContentPool{deps: deps, cfg: cfg, logger: logger}
}

// Enrich processes every article whose content is not yet fetched. Item
// failures are recorded as ContentFailed; a store write error aborts the
// batch and is returned alongside the counts reached so far.
func (p *ContentPool) Enrich(
	ctx context.Context,
	articles []newsdesk.ArticleRecord,
	opts ContentOptions,
) (ContentCounts, error) {
	pending := make([]newsdesk.ArticleRecord, 0, len(articles))
	for _, a := range articles {
		if a.ContentStatus != newsdesk.ContentFetched {
			pending = append(pending, a)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultItemTimeout
	}

	var (
		mu     sync.Mutex
		counts ContentCounts
	)
	err := dispatcher.New(opts.Concurrency).Each(ctx, len(pending), func(ctx context.Context, i int) error {
		article := pending[i]
		update := p.process(ctx, article, opts.Timeout)
		if err := p.deps.Store.SaveContent(ctx, update); err != nil {
			return fmt.Errorf("save content for %s: %w", article.ID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		counts.Processed++
		if update.Status == newsdesk.ContentFetched {
			counts.Fetched++
		} else {
			counts.Failed++
		}
		return nil
	})
	return counts, err
}

func (p *ContentPool) process(ctx context.Context, article newsdesk.ArticleRecord, timeout time.Duration) newsdesk.ContentUpdate {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.fetchAndExtract(itemCtx, article)
	if err != nil {
		p.logger.Warn("content enrichment failed",
			zap.String("article_id", article.ID),
			zap.String("url", article.URL),
			zap.Error(err))
		return newsdesk.ContentUpdate{
			ArticleID: article.ID,
			Status:    newsdesk.ContentFailed,
			FetchedAt: p.now(),
		}
	}

	update := newsdesk.ContentUpdate{
		ArticleID: article.ID,
		Status:    newsdesk.ContentFetched,
		Body:      result.Text,
		WordCount: result.WordCount,
		FetchedAt: p.now(),
	}
	if uri, err := p.archive(itemCtx, article.ID, result.Text); err != nil {
		p.logger.Warn("archive body failed", zap.String("article_id", article.ID), zap.Error(err))
	} else {
		update.BodyURI = uri
	}
	p.logger.Debug("content enriched",
		zap.String("article_id", article.ID),
		zap.Int("words", result.WordCount),
		zap.String("method", string(result.Method)))
	return update
}

func (p *ContentPool) fetchAndExtract(ctx context.Context, article newsdesk.ArticleRecord) (extract.Result, error) {
	target := article.URL
	if target == "" {
		target = article.CanonicalURL
	}
	if target == "" {
		return extract.Result{}, errNoURL
	}
	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, target); err != nil {
			return extract.Result{}, err
		}
	}

	resp, err := p.fetch(ctx, p.deps.Fetcher, target)
	if err != nil {
		return extract.Result{}, err
	}
	result, extractErr := p.deps.Extractor.Extract(resp.URL, resp.Body)

	if promoted, ok := p.maybeRender(ctx, target, resp, result.WordCount); ok {
		result, extractErr = promoted, nil
	}
	if extractErr != nil {
		return extract.Result{}, fmt.Errorf("extract %s: %w", target, extractErr)
	}
	if strings.TrimSpace(result.Text) == "" {
		return extract.Result{}, fmt.Errorf("extract %s: %w", target, extract.ErrNoContent)
	}
	return result, nil
}

func (p *ContentPool) fetch(ctx context.Context, fetcher newsdesk.Fetcher, target string) (newsdesk.FetchResponse, error) {
	resp, err := fetcher.Fetch(ctx, newsdesk.FetchRequest{URL: target})
	if err != nil {
		return newsdesk.FetchResponse{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return newsdesk.FetchResponse{}, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	if resp.URL == "" {
		resp.URL = target
	}
	return resp, nil
}

// maybeRender re-fetches through the headless browser when the static body
// looks like a client-rendered shell and keeps whichever extraction is richer.
func (p *ContentPool) maybeRender(
	ctx context.Context,
	target string,
	resp newsdesk.FetchResponse,
	words int,
) (extract.Result, bool) {
	if p.deps.Headless == nil || p.deps.Detector == nil || !p.deps.Detector.NeedsRender(resp, words) {
		return extract.Result{}, false
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveHeadlessFetch()
	}
	rendered, err := p.fetch(ctx, p.deps.Headless, target)
	if err != nil {
		p.logger.Warn("headless render failed", zap.String("url", target), zap.Error(err))
		return extract.Result{}, false
	}
	result, err := p.deps.Extractor.Extract(rendered.URL, rendered.Body)
	if err != nil || result.WordCount <= words {
		return extract.Result{}, false
	}
	p.logger.Info("headless render applied", zap.String("url", target), zap.Int("words", result.WordCount))
	return result, true
}

func (p *ContentPool) archive(ctx context.Context, articleID, text string) (string, error) {
	if p.deps.Blobs == nil {
		return "", nil
	}
	uri, err := p.deps.Blobs.PutObject(ctx, p.blobPath(articleID), p.cfg.ContentType, strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// blobPath shards archives by the first two hex characters of the key.
func (p *ContentPool) blobPath(articleID string) string {
	shard := "xx"
	if _, hexPart, ok := strings.Cut(articleID, "_"); ok && len(hexPart) >= 2 {
		shard = hexPart[:2]
	}
	return path.Join(strings.Trim(p.cfg.BlobPrefix, "/"), "articles", shard, articleID+".txt")
}

func (p *ContentPool) now() time.Time {
	if p.deps.Clock == nil {
		return time.Now().UTC()
	}
	return p.deps.Clock.Now()
}
