package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/binding"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/portalloc"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// projectHandler implements POST /projects/:id/start (spec §6): a
// convenience shortcut that enqueues a start-dev-server command on a
// project's already-bound runner.
type projectHandler struct {
	binder   *binding.Binder
	projects repository.ProjectRepository
	ports    *portalloc.Allocator
	logger   *zap.Logger
}

type startProjectRequest struct {
	Command       string            `json:"command"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env,omitempty"`
	PreferredPort int               `json:"preferredPort,omitempty"`
}

// Start handles POST /projects/:id/start.
func (h *projectHandler) Start(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid project id")
		return
	}

	project, err := h.projects.GetByID(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("start project: load project", zap.Error(err))
		ErrInternal(w)
		return
	}
	if project.UserID.String() != claims.UserID {
		ErrForbidden(w)
		return
	}
	if project.RunnerID == nil {
		ErrConflict(w, "project has no bound runner yet; dispatch a build first")
		return
	}

	var req startProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// C2 owns the port: reuse the project's existing reservation across
	// reconnects rather than trusting whatever port the caller names, and
	// only fall back to req.PreferredPort as a hint when reserving fresh.
	port, err := h.ports.ReserveFor(r.Context(), projectID, req.PreferredPort)
	if err != nil {
		if errors.Is(err, portalloc.ErrNoPortAvailable) {
			ErrConflict(w, "no free port available in the configured range")
			return
		}
		h.logger.Error("start project: reserve port", zap.Error(err))
		ErrInternal(w)
		return
	}

	cmd, err := wire.NewCommand(uuid.NewString(), types.CommandStartDevServer, projectID.String(), wire.StartDevServerPayload{
		Command:       req.Command,
		Cwd:           req.Cwd,
		Env:           req.Env,
		PreferredPort: port,
	})
	if err != nil {
		ErrInternal(w)
		return
	}

	if _, err := h.binder.Dispatch(r.Context(), projectID, cmd); err != nil {
		switch {
		case errors.Is(err, binding.ErrRunnerDisconnected), errors.Is(err, dispatch.ErrRunnerNotConnected):
			ErrRunnerDisconnected(w)
		case errors.Is(err, dispatch.ErrTimeout):
			ErrTimeout(w)
		default:
			h.logger.Error("start project: dispatch", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Accepted(w, map[string]bool{"ok": true})
}
