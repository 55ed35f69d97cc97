// Package metrics exposes Prometheus collectors for pipeline runs and the
// HTTP API. Collectors are registered on a caller supplied registry.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the newsdesk collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	stageRuns          *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageItems         *prometheus.CounterVec
	sourceErrors       *prometheus.CounterVec
	rateLimitDelay     *prometheus.HistogramVec
	robotsFallbacks    *prometheus.CounterVec
	headlessFetches    prometheus.Counter
	digestsGenerated   *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_stage_runs_total",
			Help: "Pipeline stage runs, labeled by stage and outcome (ok, degraded, failed).",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsdesk_stage_duration_seconds",
			Help:    "Wall time of pipeline stage runs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		stageItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_stage_items_total",
			Help: "Items handled by a stage, labeled by result counter name.",
		}, []string{"stage", "result"}),
		sourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_source_errors_total",
			Help: "Feed sources that failed or timed out.",
		}, []string{"source"}),
		rateLimitDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsdesk_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host politeness limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		robotsFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_robots_fallback_total",
			Help: "robots.txt lookups that fell back to allow-all after transient errors.",
		}, []string{"host"}),
		headlessFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "newsdesk_headless_fetches_total",
			Help: "Article pages re-fetched with a headless browser.",
		}),
		digestsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_digests_total",
			Help: "Digest generation attempts, labeled by outcome.",
		}, []string{"outcome"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStage records one finished stage run and its counters.
func (r *Recorder) ObserveStage(stage, outcome string, d time.Duration, counts map[string]int) {
	if r == nil {
		return
	}
	r.stageRuns.WithLabelValues(stage, outcome).Inc()
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	for name, n := range counts {
		if n > 0 {
			r.stageItems.WithLabelValues(stage, name).Add(float64(n))
		}
	}
}

// ObserveSourceError counts a failed feed source.
func (r *Recorder) ObserveSourceError(sourceID string) {
	if r == nil {
		return
	}
	r.sourceErrors.WithLabelValues(sourceID).Inc()
}

// ObserveRateLimitDelay records time spent waiting on a host limiter.
func (r *Recorder) ObserveRateLimitDelay(host string, d time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitDelay.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveRobotsFallback counts an allow-all robots.txt fallback.
func (r *Recorder) ObserveRobotsFallback(host string) {
	if r == nil {
		return
	}
	r.robotsFallbacks.WithLabelValues(SanitizeSite(host)).Inc()
}

// ObserveHeadlessFetch counts a headless re-fetch.
func (r *Recorder) ObserveHeadlessFetch() {
	if r == nil {
		return
	}
	r.headlessFetches.Inc()
}

// ObserveDigest counts a digest generation attempt.
func (r *Recorder) ObserveDigest(outcome string) {
	if r == nil {
		return
	}
	r.digestsGenerated.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware records request counts and latency per chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, req)

		route := "unknown"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		r.ObserveHTTPRequest(req.Method, route, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
