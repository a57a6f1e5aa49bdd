package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/auth"
	"github.com/sentryvibe/runnerbroker/broker/internal/binding"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/eventrouter"
	"github.com/sentryvibe/runnerbroker/broker/internal/metrics"
	"github.com/sentryvibe/runnerbroker/broker/internal/portalloc"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
)

// RouterConfig holds all dependencies needed to build the HTTP control
// plane. It is populated in main.go after all components are initialized
// and passed to NewRouter as a single struct to keep the constructor
// signature manageable as the number of dependencies grows.
type RouterConfig struct {
	Registry  *registry.Registry
	Dispatch  *dispatch.Dispatcher
	Binder    *binding.Binder
	Keys      *runnerkey.Store
	Events    *eventrouter.Router
	Ports     *portalloc.Allocator
	JWTMgr    *auth.JWTManager
	Logger    *zap.Logger
	Projects  repository.ProjectRepository
	Processes repository.RunningProcessRepository
}

// NewRouter builds and returns the fully configured Chi router implementing
// spec §6's HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	commandHandler := &commandHandler{disp: cfg.Dispatch, binder: cfg.Binder, projects: cfg.Projects, reg: cfg.Registry, logger: cfg.Logger}
	keyHandler := &runnerKeyHandler{keys: cfg.Keys, logger: cfg.Logger}
	processHandler := &processHandler{processes: cfg.Processes, ports: cfg.Ports, logger: cfg.Logger}
	projectHandler := &projectHandler{binder: cfg.Binder, projects: cfg.Projects, ports: cfg.Ports, logger: cfg.Logger}
	attachHandler := &attachHandler{keys: cfg.Keys, reg: cfg.Registry, events: cfg.Events, disp: cfg.Dispatch, logger: cfg.Logger}

	r.Get("/healthz", healthz)
	r.Handle("/metrics", metrics.Handler())

	// /runner/attach is the WS upgrade entrypoint. Authentication happens
	// inside the handshake's first Attach frame (session.New), not via an
	// HTTP-layer middleware — a browser WebSocket client cannot set custom
	// headers, and this is a runner, not a browser, dialing with its own
	// bearer secret embedded in the frame.
	r.Get("/runner/attach", attachHandler.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		// --- Runner→broker routes, authenticated with a runner key rather
		// than a UI JWT ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateRunner(cfg.Keys))
			r.Post("/runner/process/register", processHandler.Register)
			r.Delete("/runner/process/{projectId}", processHandler.Unregister)
		})

		// --- User-facing routes, authenticated with a UI-issued JWT ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTMgr))

			r.Post("/runner/command", commandHandler.Submit)
			r.Get("/runner/status", commandHandler.Status)

			r.Post("/runner-keys", keyHandler.Issue)
			r.Get("/runner-keys", keyHandler.List)
			r.Delete("/runner-keys/{id}", keyHandler.Revoke)

			r.Post("/projects/{id}/start", projectHandler.Start)
		})
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
