// Package dispatch implements C4, the command dispatcher: one bounded FIFO
// queue per runner, with ack-wait-and-retry-once delivery semantics.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/metrics"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// Errors returned by Send, mirroring the HTTP status the control plane
// maps them to (spec §7).
var (
	ErrRunnerNotConnected = errors.New("dispatch: runner not connected")
	ErrQueueFull          = errors.New("dispatch: queue full")
	ErrQueueExpired       = errors.New("dispatch: command expired in queue")
	ErrTimeout            = errors.New("dispatch: ack timeout")
	ErrRunnerDisconnected = errors.New("dispatch: runner disconnected mid-send")
)

const (
	defaultQueueDepth = 256
	defaultAckTimeout = 10 * time.Second
	defaultMaxAge     = 5 * time.Minute
	maxAttempts       = 2
)

// Config tunes the dispatcher's bounds.
type Config struct {
	QueueDepth int
	AckTimeout time.Duration
	MaxAge     time.Duration // max wall-clock age a queued command survives waiting for reattach
}

func (c Config) withDefaults() Config {
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaultMaxAge
	}
	return c
}

type queuedCommand struct {
	cmd        wire.Command
	enqueuedAt time.Time
	attempts   int
	result     chan error
}

type runnerQueue struct {
	runnerID uuid.UUID

	mu      sync.Mutex
	items   []*queuedCommand
	pumping bool
}

// reportDepth updates the Prometheus queue-depth gauge to the queue's
// current length. Caller must not hold q.mu.
func (q *runnerQueue) reportDepth() {
	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	metrics.CommandQueueDepth.WithLabelValues(q.runnerID.String()).Set(float64(depth))
}

// Dispatcher owns one FIFO per runner and the global table of commands
// awaiting an ack.
type Dispatcher struct {
	reg *registry.Registry
	cfg Config

	mu     sync.Mutex
	queues map[uuid.UUID]*runnerQueue

	pendingMu sync.Mutex
	pending   map[string]chan struct{}

	logger *zap.Logger
}

// New returns a Dispatcher that dispatches against reg.
func New(reg *registry.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		cfg:     cfg.withDefaults(),
		queues:  make(map[uuid.UUID]*runnerQueue),
		pending: make(map[string]chan struct{}),
		logger:  logger.Named("dispatch"),
	}
}

// Send enqueues cmd for runnerID and blocks until it is acked, fails, or ctx
// is cancelled. Ordering guarantee: commands enqueued before t are written
// to the socket, in order, before any enqueued after t, for the same
// runnerID.
func (d *Dispatcher) Send(ctx context.Context, runnerID uuid.UUID, cmd wire.Command) error {
	_, connected := d.reg.Get(runnerID)
	if !connected && cmd.Type != types.CommandHealthCheck {
		return ErrRunnerNotConnected
	}

	q := d.queueFor(runnerID)
	qc := &queuedCommand{cmd: cmd, enqueuedAt: time.Now(), result: make(chan error, 1)}
	if err := q.enqueue(qc, d.cfg.QueueDepth); err != nil {
		return err
	}
	q.reportDepth()

	d.ensurePump(runnerID, q)

	select {
	case err := <-qc.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack signals that the runner acknowledged commandID, waking the pump
// waiting on it. Called by the event router (C5) on receipt of an ack
// event.
func (d *Dispatcher) Ack(commandID string) {
	d.pendingMu.Lock()
	ch, ok := d.pending[commandID]
	if ok {
		delete(d.pending, commandID)
	}
	d.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

// OnAttach resumes pumping any commands left queued for runnerID from a
// prior attach. Call this after registry.Attach installs the new
// Connection.
func (d *Dispatcher) OnAttach(runnerID uuid.UUID) {
	d.mu.Lock()
	q, ok := d.queues[runnerID]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.ensurePump(runnerID, q)
}

func (d *Dispatcher) queueFor(runnerID uuid.UUID) *runnerQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[runnerID]
	if !ok {
		q = &runnerQueue{runnerID: runnerID}
		d.queues[runnerID] = q
	}
	return q
}

func (q *runnerQueue) enqueue(qc *queuedCommand, depth int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= depth {
		return ErrQueueFull
	}
	q.items = append(q.items, qc)
	return nil
}

func (q *runnerQueue) peekFront() (*queuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *runnerQueue) popFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

func (d *Dispatcher) ensurePump(runnerID uuid.UUID, q *runnerQueue) {
	conn, ok := d.reg.Get(runnerID)
	if !ok {
		// No live connection yet — OnAttach restarts pumping once one exists.
		return
	}
	q.mu.Lock()
	if q.pumping {
		q.mu.Unlock()
		return
	}
	q.pumping = true
	q.mu.Unlock()

	go d.pump(runnerID, conn, q)
}

// pump drains q in order against conn, writing each command to conn.Send
// and waiting for its ack. It exits (without draining q) the instant conn
// is displaced or closed, leaving any remaining items for the next attach's
// pump to pick up via OnAttach.
func (d *Dispatcher) pump(runnerID uuid.UUID, conn *registry.Connection, q *runnerQueue) {
	defer func() {
		q.mu.Lock()
		q.pumping = false
		q.mu.Unlock()
	}()

	for {
		qc, ok := q.peekFront()
		if !ok {
			return
		}

		if time.Since(qc.enqueuedAt) > d.cfg.MaxAge {
			q.popFront()
			q.reportDepth()
			qc.result <- ErrQueueExpired
			continue
		}

		ackCh := d.registerPending(qc.cmd.ID)
		sentAt := time.Now()

		select {
		case conn.Send <- qc.cmd:
		case <-conn.Closed():
			d.unregisterPending(qc.cmd.ID)
			qc.result <- ErrRunnerDisconnected
			return
		}

		select {
		case <-ackCh:
			d.unregisterPending(qc.cmd.ID)
			metrics.CommandAckLatency.Observe(time.Since(sentAt).Seconds())
			q.popFront()
			q.reportDepth()
			qc.result <- nil

		case <-conn.Closed():
			d.unregisterPending(qc.cmd.ID)
			qc.result <- ErrRunnerDisconnected
			return

		case <-time.After(d.cfg.AckTimeout):
			d.unregisterPending(qc.cmd.ID)
			qc.attempts++
			if qc.attempts >= maxAttempts {
				q.popFront()
				q.reportDepth()
				qc.result <- ErrTimeout
				d.logger.Warn("command failed after max ack attempts",
					zap.String("runner_id", runnerID.String()),
					zap.String("command_id", qc.cmd.ID),
					zap.Int("attempts", qc.attempts))
			}
			// else: loop and resend the same head item.
		}
	}
}

func (d *Dispatcher) registerPending(commandID string) <-chan struct{} {
	ch := make(chan struct{})
	d.pendingMu.Lock()
	d.pending[commandID] = ch
	d.pendingMu.Unlock()
	return ch
}

func (d *Dispatcher) unregisterPending(commandID string) {
	d.pendingMu.Lock()
	delete(d.pending, commandID)
	d.pendingMu.Unlock()
}

// QueueDepth returns the current number of queued (unacked) commands for
// runnerID. GET /runner/status reports it per runner; the Prometheus
// queue-depth gauge is updated separately by reportDepth.
func (d *Dispatcher) QueueDepth(runnerID uuid.UUID) int {
	d.mu.Lock()
	q, ok := d.queues[runnerID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
