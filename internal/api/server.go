package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/pipeline"
)

const defaultRequestTimeout = 30 * time.Second

// Runner triggers pipeline stages.
type Runner interface {
	Run(ctx context.Context, stage string) (pipeline.Report, error)
	RunAll(ctx context.Context) []pipeline.Report
}

// Metrics exposes the Prometheus handler and request instrumentation.
type Metrics interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Options configures a Server. Metrics is optional.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Metrics        Metrics
}

// Server wires HTTP handlers to the pipeline runner and read store.
type Server struct {
	router  chi.Router
	runner  Runner
	reads   *ReadHandler
	logger  *zap.Logger
	running sync.Map // stage -> *sync.Mutex
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, store Store, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		runner: runner,
		reads:  NewReadHandler(store, logger.Named("reads")),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// Stage runs carry their own per-item timeouts and may outlive a
		// read request budget.
		r.Post("/runs/{stage}", s.triggerRun)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/stories", s.reads.ListStories)
			r.Get("/stories/{cluster_key}", s.reads.GetStory)
			r.Get("/articles/{article_id}", s.reads.GetArticle)
			r.Post("/articles/{article_id}/contracts", s.reads.LinkContract)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil || s.reads.store == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// triggerRun handles POST /v1/runs/{stage}. It responds 200 with the report
// when the stage succeeded (degraded runs included), 500 with the report when
// it failed, 404 for unknown stages and 409 while the same stage is running.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	if !knownStage(stage) {
		writeError(w, http.StatusNotFound, "unknown stage")
		return
	}

	lock, _ := s.running.LoadOrStore(stage, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		writeError(w, http.StatusConflict, "stage already running")
		return
	}
	defer mu.Unlock()

	if stage == pipeline.StageAll {
		reports := s.runner.RunAll(r.Context())
		status := http.StatusOK
		for _, rep := range reports {
			if !rep.OK {
				status = http.StatusInternalServerError
			}
		}
		writeJSON(w, status, map[string]any{"reports": reports})
		return
	}

	rep, err := s.runner.Run(r.Context(), stage)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, "unknown stage")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"report": rep})
}

func knownStage(stage string) bool {
	if stage == pipeline.StageAll {
		return true
	}
	for _, s := range pipeline.Stages() {
		if s == stage {
			return true
		}
	}
	return false
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", RequestID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
