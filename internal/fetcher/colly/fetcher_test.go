package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: false, Timeout: time.Second})
	req := newsdesk.FetchRequest{URL: "https://example.com"}

	var result newsdesk.FetchResponse
	var fetchErr error
	collector := f.buildCollector(req, time.Unix(0, 0), &result, &fetchErr)
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := newsdesk.FetchRequest{
		URL:     "https://example.com",
		Headers: map[string]string{"X-Trace": "yes"},
	}
	var result newsdesk.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<rss/>"),
		Headers:    &http.Header{"Content-Type": {"application/rss+xml"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/feed")},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "<rss/>", string(result.Body))
	require.Equal(t, "application/rss+xml", result.ContentType)
	require.Equal(t, "https://example.com/feed", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.ErrorContains(t, fetchErr, "status 404")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>" + r.Header.Get("X-Trace") + "</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "newsdesk-test", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), newsdesk.FetchRequest{
		URL:     srv.URL + "/article",
		Headers: map[string]string{"X-Trace": "abc"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "abc")
	require.Contains(t, resp.ContentType, "text/html")

	// Same URL twice must not be rejected as already visited.
	_, err = f.Fetch(context.Background(), newsdesk.FetchRequest{URL: srv.URL + "/article"})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), newsdesk.FetchRequest{URL: srv.URL + "/missing"})
	require.Error(t, err)
}

func TestFetchReturnsWhenContextExpires(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, newsdesk.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchCancelsInFlightRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			close(aborted)
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, newsdesk.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("request kept running after the fetch context expired")
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
