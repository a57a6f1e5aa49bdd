package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/eventrouter"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// minimal no-op repository implementations for the pieces session exercises
type nopProjects struct{ repository.ProjectRepository }
type nopRunningProcesses struct{ repository.RunningProcessRepository }

// fakeKeyRepo is an in-memory repository.RunnerKeyRepository for exercising
// the handshake without a database.
type fakeKeyRepo struct {
	byID   map[uuid.UUID]*db.RunnerKey
	byHash map[string]uuid.UUID
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{byID: make(map[uuid.UUID]*db.RunnerKey), byHash: make(map[string]uuid.UUID)}
}

func (f *fakeKeyRepo) Create(_ context.Context, key *db.RunnerKey) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	key.ID = id
	cp := *key
	f.byID[id] = &cp
	f.byHash[key.KeyHash] = id
	return nil
}

func (f *fakeKeyRepo) GetByHash(_ context.Context, keyHash string) (*db.RunnerKey, error) {
	id, ok := f.byHash[keyHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	key := f.byID[id]
	if key.RevokedAt != nil {
		return nil, repository.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (f *fakeKeyRepo) GetByID(_ context.Context, id uuid.UUID) (*db.RunnerKey, error) {
	key, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (f *fakeKeyRepo) UpdateLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	key, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	key.LastUsedAt = &at
	return nil
}

func (f *fakeKeyRepo) Revoke(_ context.Context, id uuid.UUID) error {
	if key, ok := f.byID[id]; ok {
		now := time.Now()
		key.RevokedAt = &now
	}
	return nil
}

func (f *fakeKeyRepo) ListByUser(_ context.Context, userID uuid.UUID, _ repository.ListOptions) ([]db.RunnerKey, int64, error) {
	var out []db.RunnerKey
	for _, k := range f.byID {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	return out, int64(len(out)), nil
}

func newTestServer(t *testing.T, heartbeat time.Duration) (*httptest.Server, *registry.Registry, *dispatch.Dispatcher, *runnerkey.Store) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(heartbeat, nil, logger)
	disp := dispatch.New(reg, dispatch.Config{AckTimeout: time.Second}, logger)
	router := eventrouter.New(disp.Ack, reg, nopProjects{}, nopRunningProcesses{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)
	t.Cleanup(cancel)

	keyRepo := newFakeKeyRepo()
	store, err := runnerkey.NewStore(keyRepo, []byte("test-pepper"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		sess, err := New(w, r, store, reg, router, disp, heartbeat, logger)
		if err != nil {
			return
		}
		sess.Run(r.Context())
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, reg, disp, store
}

func dialAttach(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/attach"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestHandshakeAuthenticatesAndAttaches(t *testing.T) {
	srv, reg, _, store := newTestServer(t, time.Minute)
	conn := dialAttach(t, srv)
	defer conn.Close()

	userID := uuid.Must(uuid.NewV7())
	_, plaintext, err := store.Issue(context.Background(), userID, "test-runner")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	runnerID := uuid.Must(uuid.NewV7())
	attach := wire.Envelope{Kind: wire.KindAttach, Attach: &wire.AttachFrame{
		Type: "attach", RunnerID: runnerID.String(), Secret: plaintext, Version: "1.0", Platform: "linux",
	}}
	if err := conn.WriteJSON(attach); err != nil {
		t.Fatalf("WriteJSON attach: %v", err)
	}

	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON attached: %v", err)
	}
	if resp.Kind != wire.KindAttached {
		t.Fatalf("got kind %q, want attached", resp.Kind)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := reg.Get(runnerID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for runner to appear in registry")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	srv, _, _, _ := newTestServer(t, time.Minute)
	conn := dialAttach(t, srv)
	defer conn.Close()

	attach := wire.Envelope{Kind: wire.KindAttach, Attach: &wire.AttachFrame{
		Type: "attach", RunnerID: uuid.Must(uuid.NewV7()).String(), Secret: "sv_bogus", Version: "1.0", Platform: "linux",
	}}
	if err := conn.WriteJSON(attach); err != nil {
		t.Fatalf("WriteJSON attach: %v", err)
	}

	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Kind != wire.KindError {
		t.Fatalf("got kind %q, want error", resp.Kind)
	}
}

func TestCommandDeliveredAfterAttach(t *testing.T) {
	srv, _, disp, store := newTestServer(t, time.Minute)
	conn := dialAttach(t, srv)
	defer conn.Close()

	userID := uuid.Must(uuid.NewV7())
	_, plaintext, _ := store.Issue(context.Background(), userID, "test-runner")
	runnerID := uuid.Must(uuid.NewV7())

	_ = conn.WriteJSON(wire.Envelope{Kind: wire.KindAttach, Attach: &wire.AttachFrame{
		Type: "attach", RunnerID: runnerID.String(), Secret: plaintext, Version: "1.0", Platform: "linux",
	}})
	var attached wire.Envelope
	if err := conn.ReadJSON(&attached); err != nil {
		t.Fatalf("ReadJSON attached: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	cmd, err := wire.NewCommand(uuid.NewString(), types.CommandStartDevServer, uuid.NewString(), wire.StartDevServerPayload{Command: "npm run dev"})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- disp.Send(context.Background(), runnerID, cmd) }()

	_ = conn.SetReadDeadline(deadline)
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON command: %v", err)
	}
	if env.Kind != wire.KindCommand || env.Command == nil || env.Command.ID != cmd.ID {
		t.Fatalf("got %+v, want command %s", env, cmd.ID)
	}

	ackEvent, err := wire.NewEvent(types.EventAck, cmd.ID, "", wire.AckPayload{CommandID: cmd.ID})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := conn.WriteJSON(wire.EventEnvelope(ackEvent)); err != nil {
		t.Fatalf("WriteJSON ack: %v", err)
	}

	select {
	case err := <-sendErr:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send to observe the ack")
	}
}
