package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/portalloc"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
)

// processHandler implements the runner→broker process registration routes
// (C8/C2, spec §6). Callers are authenticated with a runner key, not a UI
// JWT — see AuthenticateRunner.
type processHandler struct {
	processes repository.RunningProcessRepository
	ports     *portalloc.Allocator
	logger    *zap.Logger
}

type registerProcessRequest struct {
	ProjectID string `json:"projectId"`
	PID       int    `json:"pid"`
	Command   string `json:"command"`
	Port      *int   `json:"port,omitempty"`
}

// Register handles POST /runner/process/register: a runner's idempotent
// upsert of its supervised dev-server child process.
func (h *processHandler) Register(w http.ResponseWriter, r *http.Request) {
	runnerID, ok := runnerFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req registerProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrBadRequest(w, "invalid projectId")
		return
	}

	proc := &db.RunningProcess{
		ProjectID: projectID,
		RunnerID:  runnerID,
		PID:       req.PID,
		Command:   req.Command,
		Port:      req.Port,
		StartedAt: time.Now(),
	}
	if err := h.processes.Upsert(r.Context(), proc); err != nil {
		h.logger.Error("register running process", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]bool{"ok": true})
}

// Unregister handles DELETE /runner/process/:projectId: a runner reporting
// its supervised process exited. Port release is best-effort — a failure
// here is logged but never fails the unregister itself (spec §7).
func (h *processHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	if _, ok := runnerFromCtx(r.Context()); !ok {
		ErrUnauthorized(w)
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectId"))
	if err != nil {
		ErrBadRequest(w, "invalid projectId")
		return
	}

	if err := h.processes.Delete(r.Context(), projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("unregister running process", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.ports.Release(r.Context(), projectID); err != nil {
		h.logger.Warn("port release failed during process unregister", zap.String("project_id", projectID.String()), zap.Error(err))
	}

	NoContent(w)
}
