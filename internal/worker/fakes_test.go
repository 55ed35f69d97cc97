package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/defense-newsdesk/internal/extract"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]newsdesk.FetchResponse
	errs      map[string]error
	hang      map[string]bool
	delay     time.Duration
	calls     []string
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req newsdesk.FetchRequest) (newsdesk.FetchResponse, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxFlight.Load()
		if cur <= prev || f.maxFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	resp, ok := f.responses[req.URL]
	err := f.errs[req.URL]
	hang := f.hang[req.URL]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return newsdesk.FetchResponse{}, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return newsdesk.FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return newsdesk.FetchResponse{}, err
	}
	if !ok {
		return newsdesk.FetchResponse{}, errors.New("unexpected url " + req.URL)
	}
	return resp, nil
}

// wordExtractor treats the body as plain text.
type wordExtractor struct{}

func (wordExtractor) Extract(_ string, body []byte) (extract.Result, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return extract.Result{}, extract.ErrNoContent
	}
	return extract.Result{Text: text, WordCount: len(strings.Fields(text)), Method: extract.MethodParagraphs}, nil
}

type alwaysRender struct{}

func (alwaysRender) NeedsRender(newsdesk.FetchResponse, int) bool { return true }

type countingObserver struct{ n atomic.Int32 }

func (o *countingObserver) ObserveHeadlessFetch() { o.n.Add(1) }

type fakeContentStore struct {
	mu      sync.Mutex
	updates map[string]newsdesk.ContentUpdate
	err     error
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{updates: make(map[string]newsdesk.ContentUpdate)}
}

func (s *fakeContentStore) ArticlesNeedingContent(context.Context, int) ([]newsdesk.ArticleRecord, error) {
	return nil, nil
}

func (s *fakeContentStore) SaveContent(_ context.Context, u newsdesk.ContentUpdate) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[u.ArticleID] = u
	return nil
}

type fakeTopicStore struct {
	mu      sync.Mutex
	updates map[string]newsdesk.TopicUpdate
	err     error
}

func newFakeTopicStore() *fakeTopicStore {
	return &fakeTopicStore{updates: make(map[string]newsdesk.TopicUpdate)}
}

func (s *fakeTopicStore) ArticlesNeedingTopics(context.Context, int) ([]newsdesk.ArticleRecord, error) {
	return nil, nil
}

func (s *fakeTopicStore) SaveTopics(_ context.Context, u newsdesk.TopicUpdate) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[u.ArticleID] = u
	return nil
}

type fakeClassifier struct {
	tags map[string][]newsdesk.TopicAssignment
	errs map[string]error
}

func (c fakeClassifier) Classify(_ context.Context, a newsdesk.ArticleRecord) ([]newsdesk.TopicAssignment, error) {
	if err := c.errs[a.ID]; err != nil {
		return nil, err
	}
	return c.tags[a.ID], nil
}
