// Package api provides the devpilot HTTP server: task submission, polling,
// cancellation, server-sent-event streams and the activity feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/devpilot/internal/app/orchestrator"
	"github.com/tutu-network/devpilot/internal/app/runner"
	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/health"
)

// TaskService is the orchestrator surface the API needs.
type TaskService interface {
	Submit(ctx context.Context, caller orchestrator.Caller, req orchestrator.SubmitRequest) (*domain.Task, error)
	Cancel(ctx context.Context, id string) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	RunnerCounts() map[runner.Status]int
}

// ActivityFeed lists work-history entries.
type ActivityFeed interface {
	List(ctx context.Context, f domain.WorkFilter) ([]domain.WorkEntry, error)
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// StreamConfig bounds streaming sessions.
type StreamConfig struct {
	TaskInterval     time.Duration
	TaskMaxAttempts  int
	ActivityInterval time.Duration
	ActivityBudget   time.Duration
	ActivityLimit    int
}

// DefaultStreamConfig returns production stream bounds: a task stream lives
// at most 300 × 2s, the activity stream five minutes.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		TaskInterval:     2 * time.Second,
		TaskMaxAttempts:  300,
		ActivityInterval: 3 * time.Second,
		ActivityBudget:   5 * time.Minute,
		ActivityLimit:    50,
	}
}

// Options configures a Server.
type Options struct {
	CORSOrigins []string // empty allows any origin
	Metrics     bool
	Stream      StreamConfig
	Version     string
	Logger      *slog.Logger
}

// Server is the devpilot HTTP API server.
type Server struct {
	tasks    TaskService
	activity ActivityFeed
	health   HealthReporter
	opts     Options
	logger   *slog.Logger
}

// NewServer creates a new API server. activity and health may be nil.
func NewServer(tasks TaskService, activity ActivityFeed, hr HealthReporter, opts Options) *Server {
	def := DefaultStreamConfig()
	if opts.Stream.TaskInterval <= 0 {
		opts.Stream.TaskInterval = def.TaskInterval
	}
	if opts.Stream.TaskMaxAttempts <= 0 {
		opts.Stream.TaskMaxAttempts = def.TaskMaxAttempts
	}
	if opts.Stream.ActivityInterval <= 0 {
		opts.Stream.ActivityInterval = def.ActivityInterval
	}
	if opts.Stream.ActivityBudget <= 0 {
		opts.Stream.ActivityBudget = def.ActivityBudget
	}
	if opts.Stream.ActivityLimit <= 0 {
		opts.Stream.ActivityLimit = def.ActivityLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		tasks:    tasks,
		activity: activity,
		health:   hr,
		opts:     opts,
		logger:   opts.Logger.With("component", "api"),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.opts.CORSOrigins))

	r.Get("/health", s.handleHealth)

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
	})

	r.Route("/api", func(r chi.Router) {
		// Streams bound their own lifetime.
		r.Get("/tasks/{id}/stream", s.handleTaskStream)
		r.Get("/activity/stream", s.handleActivityStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(time.Minute))
			r.Post("/tasks", s.handleSubmit)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Post("/tasks/{id}/cancel", s.handleCancel)
			r.Get("/activity", s.handleActivity)
		})
	})

	if s.opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	var checks []health.Status
	if s.health != nil {
		checks = s.health.Statuses()
		if !s.health.IsHealthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"runner": s.tasks.RunnerCounts(),
		"checks": checks,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrNotCancellable):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrWorkNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeError(w, code, msg)
}

// corsMiddleware adds CORS headers. An empty list or "*" allows any origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-GitHub-Token, X-User-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
