// Package client is the runner's persistent connection to the broker. It
// dials the attach WebSocket endpoint, performs the attach handshake, and
// runs a reader/writer pair that decodes incoming wire.Command envelopes
// into dispatcher calls and encodes outgoing events as wire.Event envelopes.
//
// It is adapted from the teacher's connection.Manager: the same outer
// reconnect-with-backoff loop and <state-dir>/*-state.json persistence
// pattern, generalized from a gRPC bidirectional-stream pair (Register +
// StreamJobs + StreamLogs) to one gorilla/websocket connection carrying the
// wire.Envelope discriminated union in both directions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	heartbeatInterval = 20 * time.Second
	writeWait         = 10 * time.Second
)

// CommandHandler processes one attached command. Implementations
// (supervisor/tunnel/executor dispatch) run it in their own goroutine if the
// command is long-running; the reader loop never blocks on a handler.
type CommandHandler func(ctx context.Context, cmd wire.Command)

// StatusProvider reports the host/process counters included in each
// runner-status heartbeat. Implemented by the coordinator, which has the
// supervisor/executor references needed to fill it in.
type StatusProvider interface {
	RunnerStatus(ctx context.Context) wire.RunnerStatusPayload
}

// Config holds the parameters needed to connect to the broker.
type Config struct {
	BrokerURL string // e.g. "ws://localhost:8080/runner/attach"
	RunnerID  uuid.UUID
	Secret    string
	Version   string
	Platform  string
	StateDir  string
}

type runnerState struct {
	RunnerID string `json:"runner_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "runner-state.json")
}

// LoadOrCreateRunnerID returns the runner id persisted in stateDir from a
// prior run, or generates and persists a new one on first run. Called once
// at startup, before Config is built, so the same runner keeps identifying
// itself as the same id across restarts (spec §4.6/§4.7's binding rules
// depend on a stable runner identity).
func LoadOrCreateRunnerID(stateDir string) (uuid.UUID, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err == nil {
		var s runnerState
		if jerr := json.Unmarshal(data, &s); jerr == nil {
			if id, perr := uuid.Parse(s.RunnerID); perr == nil {
				return id, nil
			}
		}
	}

	id := uuid.New()
	if err := saveState(stateDir, runnerState{RunnerID: id.String()}); err != nil {
		return uuid.Nil, fmt.Errorf("client: persist new runner id: %w", err)
	}
	return id, nil
}

func saveState(stateDir string, s runnerState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("client: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "runner-state.*.tmp")
	if err != nil {
		return fmt.Errorf("client: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("client: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("client: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("client: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Client maintains the persistent attach connection to the broker.
type Client struct {
	cfg     Config
	handler CommandHandler
	status  StatusProvider
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a Client. handler is invoked for every command received once
// the connection is attached; it may be nil and set later via SetHandler,
// for callers whose handler itself depends on the Client (e.g. a
// coordinator that emits through this same Client). Call Run to start the
// reconnect loop.
func New(cfg Config, handler CommandHandler, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, handler: handler, logger: logger.Named("client")}
}

// SetHandler assigns the command handler after construction — see New's
// doc comment for why this is needed at startup.
func (c *Client) SetHandler(handler CommandHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// SetStatusProvider assigns the heartbeat status provider after
// construction — same construction-order cycle as SetHandler, since the
// coordinator that reports status also depends on this Client as its
// Emitter.
func (c *Client) SetStatusProvider(status StatusProvider) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Run starts the connection loop. It dials the broker, attaches, and runs
// the reader/heartbeat pair. On any error it reconnects with exponential
// backoff. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return
		}

		c.logger.Info("connecting to broker", zap.String("url", c.cfg.BrokerURL))

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("connection failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.attach(conn); err != nil {
		return fmt.Errorf("attach failed: %w", err)
	}

	if err := saveState(c.cfg.StateDir, runnerState{RunnerID: c.cfg.RunnerID.String()}); err != nil {
		c.logger.Warn("failed to persist runner state", zap.Error(err))
	}

	c.logger.Info("attached to broker", zap.String("runner_id", c.cfg.RunnerID.String()))

	errCh := make(chan error, 2)
	go func() { errCh <- c.heartbeatLoop(ctx) }()
	go func() { errCh <- c.readLoop(ctx, conn) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) attach(conn *websocket.Conn) error {
	env := wire.Envelope{
		Kind: wire.KindAttach,
		Attach: &wire.AttachFrame{
			Type:     wire.KindAttach,
			RunnerID: c.cfg.RunnerID.String(),
			Secret:   c.cfg.Secret,
			Version:  c.cfg.Version,
			Platform: c.cfg.Platform,
		},
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write attach frame: %w", err)
	}

	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read attach response: %w", err)
	}

	switch resp.Kind {
	case wire.KindAttached:
		return nil
	case wire.KindError:
		if resp.Error != nil {
			return fmt.Errorf("broker rejected attach: %s", resp.Error.Error)
		}
		return errors.New("broker rejected attach")
	default:
		return fmt.Errorf("unexpected handshake response kind %q", resp.Kind)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var payload wire.RunnerStatusPayload
			c.mu.Lock()
			status := c.status
			c.mu.Unlock()
			if status != nil {
				payload = status.RunnerStatus(ctx)
			}

			event, err := wire.NewEvent(types.EventRunnerStatus, "", "", payload)
			if err != nil {
				continue
			}
			if err := c.sendEvent(event); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch env.Kind {
		case wire.KindCommand:
			if env.Command == nil {
				continue
			}
			cmd := *env.Command
			go c.handler(ctx, cmd)
			c.ack(cmd.ID)
		case wire.KindError:
			msg := "broker closed session"
			if env.Error != nil {
				msg = env.Error.Error
			}
			return errors.New(msg)
		default:
			c.logger.Warn("unexpected envelope kind on read loop", zap.String("kind", env.Kind))
		}
	}
}

func (c *Client) ack(commandID string) {
	event, err := wire.NewEvent(types.EventAck, commandID, "", wire.AckPayload{CommandID: commandID})
	if err != nil {
		return
	}
	if err := c.sendEvent(event); err != nil {
		c.logger.Warn("failed to send ack", zap.String("command_id", commandID), zap.Error(err))
	}
}

// sendEvent wraps event into an Envelope and writes it to the current
// connection. Safe for concurrent use.
func (c *Client) sendEvent(event wire.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wire.EventEnvelope(event))
}

// Emit sends a pre-built event to the broker. Returns an error (logged by
// the caller, never fatal to the caller's own operation) if no connection
// is currently open — the reconnect loop will resume delivery of future
// events once re-attached; this event itself is dropped, matching the
// "not durable across a disconnect" behavior spec'd for queued commands.
func (c *Client) Emit(event wire.Event) error {
	return c.sendEvent(event)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
