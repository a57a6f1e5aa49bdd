// Package registry implements C3, the connection registry: the in-memory
// mapping from runner ID to its live attach connection.
//
// All state is in-memory and intentionally non-persistent: if the broker
// restarts, runners reconnect and re-attach automatically via their own
// reconnection loop. The persistent runner record (owning user, issued
// keys) lives in the database and is managed by the runnerkey package.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/metrics"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// sendQueueDepth bounds the per-runner outbound frame buffer the dispatcher
// pump drains. A full buffer means the socket write loop has fallen behind;
// Send blocks the caller rather than growing unboundedly.
const sendQueueDepth = 64

// Connection is a runner's live attach session. It is created by Attach and
// becomes invalid the instant it is displaced or detached — callers must
// select on Closed() to notice.
type Connection struct {
	RunnerID    uuid.UUID
	UserID      uuid.UUID
	ConnectedAt time.Time

	// Send is the outbound command queue drained by this runner's C6
	// session Sender loop. The dispatcher (C4) writes Commands here.
	Send chan wire.Command

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	closed          chan struct{}
	closeOnce       sync.Once
}

// LastHeartbeatAt returns the last time a runner-status event was recorded
// for this connection.
func (c *Connection) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatAt
}

// Heartbeat records that a runner-status event was just received.
func (c *Connection) Heartbeat() {
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
}

// Closed returns a channel that is closed when this connection is displaced
// or detached. A goroutine blocked on c.Send or otherwise holding a
// reference to c must select on this channel to abort cleanly.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// TimeoutNotifier is called when the registry closes a connection because
// its heartbeat went stale. C5 uses this to fan the disconnect out to
// subscribers.
type TimeoutNotifier func(runnerID uuid.UUID)

// Registry is the single-lock map from runnerId to its live Connection.
// The zero value is not usable — create instances with New.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection

	heartbeatInterval time.Duration
	onTimeout         TimeoutNotifier
	logger            *zap.Logger
}

// New returns a Registry. heartbeatInterval is the interval a runner is
// expected to send a runner-status event; connections are considered dead
// after 2*heartbeatInterval with no heartbeat. onTimeout, if non-nil, is
// invoked whenever the registry closes a connection for a stale heartbeat.
func New(heartbeatInterval time.Duration, onTimeout TimeoutNotifier, logger *zap.Logger) *Registry {
	return &Registry{
		conns:             make(map[uuid.UUID]*Connection),
		heartbeatInterval: heartbeatInterval,
		onTimeout:         onTimeout,
		logger:            logger.Named("registry"),
	}
}

// Attach installs a new Connection for runnerID, evicting and closing any
// existing one first. Any goroutine blocked on the displaced connection's
// Closed() channel wakes up and aborts — this is how a stale Sender/Receiver
// pair belonging to a prior attach shuts down cleanly when a runner
// reconnects before the old socket's read loop notices the drop.
func (r *Registry) Attach(runnerID, userID uuid.UUID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.conns[runnerID]; exists {
		r.logger.Warn("displacing existing runner connection",
			zap.String("runner_id", runnerID.String()))
		old.close()
		metrics.RunnerConnections.Dec()
	}

	conn := &Connection{
		RunnerID:        runnerID,
		UserID:          userID,
		ConnectedAt:     time.Now(),
		Send:            make(chan wire.Command, sendQueueDepth),
		lastHeartbeatAt: time.Now(),
		closed:          make(chan struct{}),
	}
	r.conns[runnerID] = conn
	metrics.RunnerConnections.Inc()

	r.logger.Info("runner attached",
		zap.String("runner_id", runnerID.String()),
		zap.Int("total_connected", len(r.conns)))

	return conn
}

// Detach removes runnerID's entry, but only if conn is still the currently
// installed connection — a Detach call racing a newer Attach must not evict
// the newer connection.
func (r *Registry) Detach(runnerID uuid.UUID, conn *Connection) {
	r.mu.Lock()
	current, exists := r.conns[runnerID]
	if exists && current == conn {
		delete(r.conns, runnerID)
	}
	r.mu.Unlock()

	conn.close()

	if exists && current == conn {
		metrics.RunnerConnections.Dec()
		r.logger.Info("runner detached",
			zap.String("runner_id", runnerID.String()),
			zap.Duration("session_duration", time.Since(conn.ConnectedAt)))
	}
}

// Get returns the current connection for runnerID, if attached.
func (r *Registry) Get(runnerID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[runnerID]
	return conn, ok
}

// List returns a snapshot of all currently attached connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// BroadcastStatus delivers a RunnerStatus event's heartbeat timestamp to the
// named runner's connection, resetting its timeout clock.
func (r *Registry) BroadcastStatus(runnerID uuid.UUID) error {
	conn, ok := r.Get(runnerID)
	if !ok {
		return fmt.Errorf("registry: runner %s not attached", runnerID)
	}
	conn.Heartbeat()
	return nil
}

// SweepHeartbeats closes any connection whose last heartbeat is older than
// 2*heartbeatInterval and invokes onTimeout for each. Intended to be run
// periodically (see broker/cmd/broker for wiring).
func (r *Registry) SweepHeartbeats() {
	deadline := 2 * r.heartbeatInterval
	now := time.Now()

	var stale []*Connection
	r.mu.Lock()
	for id, conn := range r.conns {
		if now.Sub(conn.LastHeartbeatAt()) > deadline {
			delete(r.conns, id)
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		conn.close()
		metrics.RunnerConnections.Dec()
		r.logger.Warn("runner heartbeat timed out",
			zap.String("runner_id", conn.RunnerID.String()),
			zap.Duration("since_last_heartbeat", now.Sub(conn.LastHeartbeatAt())))
		if r.onTimeout != nil {
			r.onTimeout(conn.RunnerID)
		}
	}
}
