package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/binding"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// commandHandler implements POST /runner/command and GET /runner/status
// (spec §6).
type commandHandler struct {
	disp     *dispatch.Dispatcher
	binder   *binding.Binder
	projects repository.ProjectRepository
	reg      *registry.Registry
	logger   *zap.Logger
}

// submitRequest is the body of POST /runner/command: a RunnerCommand plus
// the runnerId the caller expects it to be routed to.
type submitRequest struct {
	RunnerID  string          `json:"runnerId"`
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload"`
}

// Submit handles POST /runner/command. It requires ownership of the
// referenced project, binds start-build's target runner on first dispatch,
// and otherwise enforces that the command's target runner has not diverged
// from the project's existing binding.
func (h *commandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrBadRequest(w, "invalid projectId")
		return
	}
	runnerID, err := uuid.Parse(req.RunnerID)
	if err != nil {
		ErrBadRequest(w, "invalid runnerId")
		return
	}

	claims := claimsFromCtx(r.Context())
	project, err := h.projects.GetByID(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("submit: load project", zap.Error(err))
		ErrInternal(w)
		return
	}
	if claims == nil || project.UserID.String() != claims.UserID {
		ErrForbidden(w)
		return
	}

	cmd, err := wire.NewCommand(uuid.NewString(), types.RunnerCommandType(req.Type), req.ProjectID, nil)
	if err != nil {
		ErrInternal(w)
		return
	}
	cmd.Payload = req.Payload
	cmd.Timestamp = time.Now()

	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}

	if cmd.Type == types.CommandStartBuild {
		if err := h.binder.DispatchBuild(ctx, projectID, runnerID, cmd); err != nil {
			h.writeDispatchError(w, err)
			return
		}
		Accepted(w, map[string]bool{"ok": true})
		return
	}

	if err := h.binder.CheckTarget(ctx, projectID, runnerID); err != nil {
		h.writeDispatchError(w, err)
		return
	}

	rerouted, err := h.binder.Dispatch(ctx, projectID, cmd)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	Accepted(w, map[string]bool{"ok": true, "rerouted": rerouted})
}

func (h *commandHandler) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, binding.ErrConflict):
		ErrConflict(w, "project is bound to a different runner")
	case errors.Is(err, binding.ErrRunnerDisconnected),
		errors.Is(err, binding.ErrNoRerouteTarget),
		errors.Is(err, dispatch.ErrRunnerNotConnected),
		errors.Is(err, dispatch.ErrRunnerDisconnected),
		errors.Is(err, dispatch.ErrQueueFull),
		errors.Is(err, dispatch.ErrQueueExpired):
		ErrRunnerDisconnected(w)
	case errors.Is(err, dispatch.ErrTimeout):
		ErrTimeout(w)
	case errors.Is(err, repository.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("command dispatch failed", zap.Error(err))
		ErrInternal(w)
	}
}

// connectionStatus is one entry in GET /runner/status's response.
type connectionStatus struct {
	RunnerID        string    `json:"runnerId"`
	UserID          string    `json:"userId,omitempty"`
	AttachedAt      time.Time `json:"attachedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	QueueDepth      int       `json:"queueDepth"`
}

// Status handles GET /runner/status, scoped to the caller's own runners.
func (h *commandHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	out := make([]connectionStatus, 0)
	for _, conn := range h.reg.List() {
		if conn.UserID.String() != claims.UserID {
			continue
		}
		out = append(out, connectionStatus{
			RunnerID:        conn.RunnerID.String(),
			UserID:          conn.UserID.String(),
			AttachedAt:      conn.ConnectedAt,
			LastHeartbeatAt: conn.LastHeartbeatAt(),
			QueueDepth:      h.disp.QueueDepth(conn.RunnerID),
		})
	}

	Ok(w, map[string]any{"connections": out})
}
