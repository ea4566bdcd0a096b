package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/history"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/task"
)

// Long-poll bounds for GET /tasks/{id}/wait.
const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// taskResponse pairs a task's bookkeeping with its progress. Status is
// absent for tasks only known to the history store.
type taskResponse struct {
	Task   any              `json:"task"`
	Status *progress.Status `json:"status,omitempty"`
}

// accepted writes 202 with the submitted task and its first status, and
// records the submission.
func (s *Server) accepted(w http.ResponseWriter, r *http.Request, ref fleet.TaskRef, err error, fallback string) {
	if err != nil {
		s.writeDomainError(w, err, fallback)
		return
	}
	s.record(r, audit.ActionSubmit, audit.EntityTask, ref.ID, map[string]any{
		"name":    ref.Name,
		"subject": ref.Subject,
		"area":    ref.Area,
	})
	st := ref.Handle().Peek()
	w.Header().Set("Location", "/api/v1/tasks/"+ref.ID)
	writeJSON(w, http.StatusAccepted, taskResponse{Task: ref, Status: &st})
}

// handleResync submits a resync task for a device.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	ref, err := s.manager.Resync(r.Context(), chi.URLParam(r, "serial"))
	s.accepted(w, r, ref, err, "failed to submit resync")
}

// handleSyncDomain submits a domain sync task for a device.
func (s *Server) handleSyncDomain(w http.ResponseWriter, r *http.Request) {
	ref, err := s.manager.SyncDomain(r.Context(), chi.URLParam(r, "serial"), chi.URLParam(r, "domain"))
	s.accepted(w, r, ref, err, "failed to submit domain sync")
}

// handleReboot submits a reboot task for a device.
func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	ref, err := s.manager.Reboot(r.Context(), chi.URLParam(r, "serial"))
	s.accepted(w, r, ref, err, "failed to submit reboot")
}

// deployRequest is the body of POST /firmware/deploy.
type deployRequest struct {
	Version string   `json:"version"`
	Serials []string `json:"serials"`
}

// handleDeployFirmware submits a firmware deployment across devices.
func (s *Server) handleDeployFirmware(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ref, err := s.manager.DeployFirmware(r.Context(), req.Version, req.Serials)
	if err == nil {
		s.logger.Info("firmware deployment submitted",
			"task_id", ref.ID,
			"version", req.Version,
			"devices", len(req.Serials),
			"by", claimsFromContext(r.Context()).Subject,
		)
	}
	s.accepted(w, r, ref, err, "failed to submit firmware deployment")
}

// handleGetTask returns a task's record and current progress. Tasks that
// have left the scheduler's retention are served from history.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.tasks.Task(id)
	if err == nil {
		st := t.Handle().Peek()
		writeJSON(w, http.StatusOK, taskResponse{Task: t.Record(), Status: &st})
		return
	}
	if !errors.Is(err, task.ErrTaskNotFound) || s.history == nil {
		s.writeDomainError(w, err, "failed to get task")
		return
	}

	rec, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: rec})
}

// handleWaitTask blocks until the task ends or the timeout passes.
//
// Query parameters:
//   - timeout: Go duration, default 30s, max 5m
//
// Returns 200 with the final status, or 202 with the current status when
// the timeout passes first.
func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadRequest(w, "timeout must be a positive duration")
			return
		}
		timeout = min(d, maxWaitTimeout)
	}

	t, err := s.tasks.Task(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get task")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	st, err := t.Handle().WaitForEnd(ctx)
	code := http.StatusOK
	if err != nil {
		code = http.StatusAccepted
	}
	writeJSON(w, code, taskResponse{Task: t.Record(), Status: &st})
}

// handleListTasks returns finished tasks from the history store.
//
// Query parameters: name, subject, area, outcome, limit, offset.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "task history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Name:    q.Get("name"),
		Subject: q.Get("subject"),
		Area:    q.Get("area"),
		Outcome: task.Outcome(q.Get("outcome")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAreas returns queue, pool and reorder statistics for every work
// area, the lock table, ingestion counters, broker and WebSocket traffic.
func (s *Server) handleAreas(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"areas": s.tasks.Stats(),
		"locks": s.manager.Locks(),
	}
	if s.ingest != nil {
		body["ingest"] = s.ingest.Stats()
	}
	if s.transport != nil {
		body["mqtt"] = s.transport.Stats()
	}
	if s.hub != nil {
		body["websocket"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
