// Package session implements C6, the runner session state machine: the
// per-connection Handshaking → Authenticated → Active → Draining → Closed
// lifecycle that owns one runner's attach WebSocket.
//
// The reader and writer loops (Receiver/Sender) mirror the broker's
// existing websocket Client readPump/writePump split: one goroutine per
// direction, the connection written to only by Sender.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/eventrouter"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // commands/events carry arbitrary JSON payloads
)

// State is one point in the C6 lifecycle.
type State int

const (
	Handshaking State = iota
	Authenticated
	Active
	Draining
	Closed
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session owns one runner's attach connection end to end: handshake,
// install into the registry, run Receiver/Sender, and tear down.
type Session struct {
	conn   *websocket.Conn
	keys   *runnerkey.Store
	reg    *registry.Registry
	router *eventrouter.Router
	disp   interface {
		OnAttach(runnerID uuid.UUID)
	}
	heartbeatInterval time.Duration
	logger            *zap.Logger

	mu    sync.Mutex
	state State
}

// New upgrades r/w to a WebSocket and returns a Session ready to Run.
func New(w http.ResponseWriter, r *http.Request, keys *runnerkey.Store, reg *registry.Registry, router *eventrouter.Router, disp interface {
	OnAttach(runnerID uuid.UUID)
}, heartbeatInterval time.Duration, logger *zap.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &Session{
		conn:              conn,
		keys:              keys,
		reg:               reg,
		router:            router,
		disp:              disp,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.Named("session"),
	}, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session through its full lifecycle. It blocks until the
// connection closes, the handshake fails, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	runnerID, userID, ok := s.handshake(ctx)
	if !ok {
		s.setState(Closed)
		return
	}
	s.setState(Authenticated)

	conn := s.reg.Attach(runnerID, userID)
	s.disp.OnAttach(runnerID)
	s.setState(Active)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.sender(sessionCtx, conn) }()
	go func() { defer wg.Done(); s.receiver(sessionCtx, runnerID) }()
	wg.Wait()

	s.setState(Draining)
	s.reg.Detach(runnerID, conn)
	s.setState(Closed)
}

// handshake reads the first frame, which must be an Attach carrying the
// plaintext runner key, and authenticates it via C1. On failure it writes
// an ErrorFrame and returns ok=false.
func (s *Session) handshake(ctx context.Context) (runnerID, userID uuid.UUID, ok bool) {
	var env wire.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		s.logger.Warn("handshake: failed to read attach frame", zap.Error(err))
		return uuid.Nil, uuid.Nil, false
	}
	if env.Kind != wire.KindAttach || env.Attach == nil {
		s.writeError(ctx, "first frame must be attach")
		return uuid.Nil, uuid.Nil, false
	}

	attach := env.Attach
	runnerID, err := uuid.Parse(attach.RunnerID)
	if err != nil {
		s.writeError(ctx, "invalid runnerId")
		return uuid.Nil, uuid.Nil, false
	}

	_, userID, err = s.keys.Authenticate(ctx, attach.Secret)
	if err != nil {
		if errors.Is(err, runnerkey.ErrUnauthorized) {
			s.writeError(ctx, "unauthorized")
		} else {
			s.logger.Error("handshake: authenticate failed", zap.Error(err))
			s.writeError(ctx, "internal error")
		}
		return uuid.Nil, uuid.Nil, false
	}

	if err := s.conn.WriteJSON(wire.Envelope{Kind: wire.KindAttached, Attached: &wire.AttachedFrame{Type: "attached"}}); err != nil {
		s.logger.Warn("handshake: failed to write attached frame", zap.Error(err))
		return uuid.Nil, uuid.Nil, false
	}

	return runnerID, userID, true
}

func (s *Session) writeError(_ context.Context, msg string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteJSON(wire.Envelope{Kind: wire.KindError, Error: &wire.ErrorFrame{Type: "error", Error: msg}})
}

// sender drains conn.Send (fed by C4's dispatcher pump) and writes frames,
// plus periodic pings. It tears the session down on any write failure or
// when conn is displaced/closed, and reads stall beyond 2*heartbeatInterval
// (enforced by the registry's heartbeat sweep closing conn.Closed()).
func (s *Session) sender(ctx context.Context, conn *registry.Connection) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-conn.Send:
			if err := s.writeCommand(cmd); err != nil {
				s.logger.Warn("sender: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.logger.Warn("sender: ping failed", zap.Error(err))
				return
			}

		case <-conn.Closed():
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeCommand(cmd wire.Command) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wire.CommandEnvelope(cmd))
}

func (s *Session) ping() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// receiver parses incoming frames and hands events to C5. It never calls
// into the router synchronously in a way that can block beyond the
// router's own bounded intake — Route enqueues only.
func (s *Session) receiver(ctx context.Context, runnerID uuid.UUID) {
	for {
		var env wire.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Kind != wire.KindEvent || env.Event == nil {
			continue
		}
		if err := s.router.Route(ctx, runnerID, *env.Event); err != nil {
			// Route returns an error only once ctx is done (while the
			// router intake is full it blocks, stalling this loop). The
			// session is shutting down, so stop reading and let the
			// connection be torn down.
			return
		}
	}
}
