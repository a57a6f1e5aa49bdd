package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/eventrouter"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
	"github.com/sentryvibe/runnerbroker/broker/internal/session"
)

// heartbeatInterval is the interval session expects a runner to send a
// runner-status event. main.go builds the registry from its own 20-second
// constant; the two values are kept equal by hand.
const heartbeatInterval = 20 * time.Second

// attachHandler implements GET /runner/attach, the WS upgrade entrypoint a
// runner dials to establish its long-lived command/event stream (spec §6).
type attachHandler struct {
	keys   *runnerkey.Store
	reg    *registry.Registry
	events *eventrouter.Router
	disp   *dispatch.Dispatcher
	logger *zap.Logger
}

// ServeWS upgrades the connection and runs the session to completion. The
// handler blocks for the lifetime of the runner's attach connection.
func (h *attachHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sess, err := session.New(w, r, h.keys, h.reg, h.events, h.disp, heartbeatInterval, h.logger)
	if err != nil {
		h.logger.Warn("attach: upgrade failed", zap.Error(err))
		return
	}
	sess.Run(r.Context())
}
