package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// sseWriter writes server-sent events, one JSON document per event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// poller re-reads a value on an interval and forwards each read as one
// event. It stops when done reports true, after maxAttempts reads (0 is
// unbounded), or when ctx ends. A failed read consumes its attempt and
// sends nothing.
type poller[T any] struct {
	interval    time.Duration
	maxAttempts int
	fetch       func(ctx context.Context) (T, error)
	done        func(T) bool
	logger      *slog.Logger
}

// stream sends first as attempt one, then polls.
func (p poller[T]) stream(ctx context.Context, out *sseWriter, first T) int {
	sent := 0
	emit := func(v T) bool {
		if err := out.send(v); err != nil {
			return false
		}
		sent++
		return p.done == nil || !p.done(v)
	}
	if !emit(first) {
		return sent
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for attempt := 2; p.maxAttempts <= 0 || attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return sent
		case <-ticker.C:
		}
		v, err := p.fetch(ctx)
		if err != nil {
			p.logger.Debug("stream read failed", "attempt", attempt, "error", err)
			continue
		}
		if !emit(v) {
			return sent
		}
	}
	return sent
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	first, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.StreamSessions.WithLabelValues("task").Inc()
	defer metrics.StreamSessions.WithLabelValues("task").Dec()

	p := poller[*domain.Task]{
		interval:    s.opts.Stream.TaskInterval,
		maxAttempts: s.opts.Stream.TaskMaxAttempts,
		fetch: func(ctx context.Context) (*domain.Task, error) {
			return s.tasks.Get(ctx, id)
		},
		done:   func(t *domain.Task) bool { return t.Status.IsTerminal() },
		logger: s.logger.With("stream", "task", "task_id", id),
	}
	n := p.stream(r.Context(), out, first)
	s.logger.Debug("task stream closed", "task_id", id, "events", n)
}

type activitySnapshot struct {
	Entries []domain.WorkEntry `json:"entries"`
}

func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	f, err := s.activityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.listActivity(r, f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.StreamSessions.WithLabelValues("activity").Inc()
	defer metrics.StreamSessions.WithLabelValues("activity").Dec()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Stream.ActivityBudget)
	defer cancel()

	p := poller[activitySnapshot]{
		interval: s.opts.Stream.ActivityInterval,
		fetch: func(ctx context.Context) (activitySnapshot, error) {
			entries, err := s.listActivity(r.WithContext(ctx), f)
			return activitySnapshot{Entries: entries}, err
		},
		logger: s.logger.With("stream", "activity"),
	}
	p.stream(ctx, out, activitySnapshot{Entries: entries})
}
