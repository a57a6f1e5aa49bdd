// Package coordinator wires the runner's local components — process
// supervisor, tunnel manager, and build executor — to the broker client.
// It is the runner-side command dispatcher: it decodes a wire.Command's
// type and payload and calls the matching component, then adapts each
// component's callback-shaped sink interface into broker-bound
// wire.Event emission via the client.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/runner/internal/executor"
	"github.com/sentryvibe/runnerbroker/runner/internal/metrics"
	"github.com/sentryvibe/runnerbroker/runner/internal/supervisor"
	"github.com/sentryvibe/runnerbroker/runner/internal/tunnel"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// Emitter sends a built event to the broker. Implemented by client.Client.
type Emitter interface {
	Emit(event wire.Event) error
}

// Coordinator owns the mapping between the stateless supervisor/tunnel
// callbacks (projectID+port only) and the project/command context a
// broker-bound event needs.
type Coordinator struct {
	sup     *supervisor.Supervisor
	tunnels *tunnel.Manager
	exec    *executor.Executor
	emitter Emitter
	logger  *zap.Logger

	mu          sync.Mutex
	portProject map[int]uuid.UUID // tunnel port -> owning project, for tunnel events
	devPort     map[uuid.UUID]int // project -> last port-detected port, to spot a superseding detection
}

// New creates a Coordinator over the runner's three local components.
func New(sup *supervisor.Supervisor, tunnels *tunnel.Manager, exec *executor.Executor, emitter Emitter, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sup:         sup,
		tunnels:     tunnels,
		exec:        exec,
		emitter:     emitter,
		logger:      logger.Named("coordinator"),
		portProject: make(map[int]uuid.UUID),
		devPort:     make(map[uuid.UUID]int),
	}
}

// HandleCommand implements client.CommandHandler.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd wire.Command) {
	projectID, err := uuid.Parse(cmd.ProjectID)
	if err != nil && cmd.ProjectID != "" {
		c.logger.Warn("command has malformed projectId", zap.String("command_id", cmd.ID), zap.Error(err))
		return
	}

	switch cmd.Type {
	case types.CommandStartDevServer:
		c.handleStartDevServer(ctx, cmd, projectID)
	case types.CommandStopDevServer:
		c.sup.StopDevServer(projectID)
	case types.CommandStartTunnel:
		c.handleStartTunnel(ctx, cmd, projectID)
	case types.CommandStopTunnel:
		c.handleStopTunnel(cmd, projectID)
	case types.CommandStartBuild:
		c.handleStartBuild(ctx, cmd, projectID)
	default:
		c.logger.Warn("unhandled command type", zap.String("type", string(cmd.Type)))
	}
}

func (c *Coordinator) handleStartDevServer(ctx context.Context, cmd wire.Command, projectID uuid.UUID) {
	var payload wire.StartDevServerPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		c.emitError(cmd, err)
		return
	}
	if err := c.sup.StartDevServer(ctx, projectID, payload.Command, payload.Cwd, payload.Env, payload.PreferredPort); err != nil {
		c.emitError(cmd, err)
	}
}

func (c *Coordinator) handleStartTunnel(ctx context.Context, cmd wire.Command, projectID uuid.UUID) {
	var payload wire.StartTunnelPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		c.emitError(cmd, err)
		return
	}

	c.mu.Lock()
	c.portProject[payload.Port] = projectID
	c.mu.Unlock()

	if _, err := c.tunnels.CreateTunnel(ctx, payload.Port); err != nil {
		c.emitError(cmd, err)
	}
}

func (c *Coordinator) handleStopTunnel(cmd wire.Command, _ uuid.UUID) {
	var payload wire.StartTunnelPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		c.emitError(cmd, err)
		return
	}
	c.tunnels.CloseTunnel(payload.Port)
}

func (c *Coordinator) handleStartBuild(ctx context.Context, cmd wire.Command, projectID uuid.UUID) {
	var payload wire.StartBuildPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		c.emitError(cmd, err)
		return
	}

	providerName := "default"
	if v, ok := payload.Options["provider"].(string); ok && v != "" {
		providerName = v
	}

	if err := c.exec.RunBuild(ctx, cmd.ID, projectID.String(), providerName, payload.Prompt, payload.Cwd, payload.Options, c); err != nil {
		c.logger.Warn("build ended with error", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (c *Coordinator) emitError(cmd wire.Command, err error) {
	event, buildErr := wire.NewEvent(types.EventError, cmd.ID, cmd.ProjectID, wire.ErrorPayload{Message: err.Error()})
	if buildErr != nil {
		return
	}
	if sendErr := c.emitter.Emit(event); sendErr != nil {
		c.logger.Warn("failed to emit error event", zap.Error(sendErr))
	}
}

func (c *Coordinator) emit(eventType types.RunnerEventType, commandID, projectID string, v any) {
	event, err := wire.NewEvent(eventType, commandID, projectID, v)
	if err != nil {
		c.logger.Warn("failed to build event", zap.String("type", string(eventType)), zap.Error(err))
		return
	}
	if err := c.emitter.Emit(event); err != nil {
		c.logger.Warn("failed to emit event", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// ─── supervisor.LogSink / supervisor.EventSink ──────────────────────────────

func (c *Coordinator) LogChunk(projectID uuid.UUID, stream string, cursor int64, data string) {
	c.emit(types.EventLogChunk, "", projectID.String(), wire.LogChunkPayload{Stream: stream, Cursor: cursor, Data: data})
}

// PortDetected handles a (re-)detected dev-server port. When it supersedes a
// prior detection for the same project and a tunnel is already open on the
// old port, the tunnel is recreated on the new port before the event is
// forwarded upstream, so the broker never sees a port-detected for a port
// whose tunnel URL is stale.
func (c *Coordinator) PortDetected(projectID uuid.UUID, port int) {
	c.mu.Lock()
	oldPort, hadPort := c.devPort[projectID]
	c.devPort[projectID] = port
	owner, tunnelExists := c.portProject[oldPort]
	needRecreate := hadPort && oldPort != port && tunnelExists && owner == projectID
	if needRecreate {
		c.portProject[port] = projectID
	}
	c.mu.Unlock()

	if needRecreate {
		if _, err := c.tunnels.Recreate(context.Background(), oldPort, port); err != nil {
			c.logger.Warn("recreate tunnel for superseding port", zap.Int("old_port", oldPort), zap.Int("new_port", port), zap.Error(err))
		}
	}

	c.emit(types.EventPortDetected, "", projectID.String(), wire.PortDetectedPayload{Port: port})
}

func (c *Coordinator) ProcessExited(projectID uuid.UUID, exitCode int, signal string, duration time.Duration, quickExit bool) {
	c.emit(types.EventProcessExited, "", projectID.String(), wire.ProcessExitedPayload{
		ExitCode: exitCode, Signal: signal, Duration: duration, QuickExit: quickExit,
	})
}

// ─── tunnel.EventSink ────────────────────────────────────────────────────────

func (c *Coordinator) TunnelCreated(port int, url string) {
	projectID := c.projectForPort(port)
	c.emit(types.EventTunnelCreated, "", projectID, wire.TunnelCreatedPayload{Port: port, URL: url})
}

func (c *Coordinator) TunnelClosed(port int, _ string) {
	projectID := c.projectForPort(port)
	c.mu.Lock()
	delete(c.portProject, port)
	c.mu.Unlock()
	c.emit(types.EventTunnelClosed, "", projectID, wire.TunnelClosedPayload{Port: port})
}

func (c *Coordinator) projectForPort(port int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.portProject[port]; ok {
		return id.String()
	}
	return ""
}

// ─── executor.EventSink ──────────────────────────────────────────────────────

func (c *Coordinator) EmitBuildStream(commandID, projectID string, frame wire.BuildStreamFrame) {
	c.emit(types.EventBuildStream, commandID, projectID, frame)
}

func (c *Coordinator) EmitBuildCompleted(commandID, projectID string, payload wire.BuildCompletedPayload) {
	c.emit(types.EventBuildCompleted, commandID, projectID, payload)
}

func (c *Coordinator) EmitBuildFailed(commandID, projectID string, payload wire.BuildFailedPayload) {
	c.emit(types.EventBuildFailed, commandID, projectID, payload)
}

// RunnerStatus implements client.StatusProvider, filling in the counters
// the broker client's heartbeat loop can't see on its own: host CPU/mem
// from metrics.Collect, and the supervisor's/executor's own in-flight
// counts.
func (c *Coordinator) RunnerStatus(ctx context.Context) wire.RunnerStatusPayload {
	host := metrics.Collect(ctx)
	return wire.RunnerStatusPayload{
		CPUPercent:    host.CPUPercent,
		MemPercent:    host.MemPercent,
		ActiveBuilds:  c.exec.ActiveCount(),
		ActiveServers: c.sup.ActiveCount(),
	}
}
