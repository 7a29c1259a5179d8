package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/devpilot/internal/app/orchestrator"
	"github.com/tutu-network/devpilot/internal/domain"
)

const (
	maxListLimit = 500
	maxBodyBytes = 1 << 20
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	task, err := s.tasks.Submit(r.Context(), callerFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TaskFilter{
		Type:   domain.TaskType(q.Get("type")),
		Status: domain.TaskStatus(q.Get("status")),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", f.Type))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	tasks, err := s.tasks.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// ─── Activity ───────────────────────────────────────────────────────────────

func (s *Server) activityFilter(r *http.Request) (domain.WorkFilter, error) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return domain.WorkFilter{}, err
	}
	if q.Get("limit") == "" {
		limit = s.opts.Stream.ActivityLimit
	}
	return domain.WorkFilter{UserID: q.Get("user"), Repo: q.Get("repo"), Limit: limit}, nil
}

func (s *Server) listActivity(r *http.Request, f domain.WorkFilter) ([]domain.WorkEntry, error) {
	if s.activity == nil {
		return []domain.WorkEntry{}, nil
	}
	entries, err := s.activity.List(r.Context(), f)
	if entries == nil && err == nil {
		entries = []domain.WorkEntry{}
	}
	return entries, err
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ─── Request helpers ────────────────────────────────────────────────────────

// callerFrom reads the caller's GitHub token and user id. Authentication
// itself happens upstream.
func callerFrom(r *http.Request) orchestrator.Caller {
	c := orchestrator.Caller{UserID: r.Header.Get("X-User-ID")}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			c.Credential = strings.TrimSpace(token)
		}
	}
	if c.Credential == "" {
		c.Credential = strings.TrimSpace(r.Header.Get("X-GitHub-Token"))
	}
	return c
}

// parseLimit returns 0 (no limit) when raw is empty. Explicit values are
// capped at maxListLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
