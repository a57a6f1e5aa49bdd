package eventrouter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

type fakeProjects struct {
	repository.ProjectRepository
	ports    map[uuid.UUID]int
	statuses map[uuid.UUID]string
	tunnels  map[uuid.UUID]string
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{
		ports:    make(map[uuid.UUID]int),
		statuses: make(map[uuid.UUID]string),
		tunnels:  make(map[uuid.UUID]string),
	}
}

func (f *fakeProjects) SetDevServerPort(_ context.Context, projectID uuid.UUID, port int) error {
	f.ports[projectID] = port
	return nil
}
func (f *fakeProjects) SetDevServerStatus(_ context.Context, projectID uuid.UUID, status string) error {
	f.statuses[projectID] = status
	return nil
}
func (f *fakeProjects) SetErrorMessage(context.Context, uuid.UUID, string) error { return nil }
func (f *fakeProjects) ClearDevServerRuntime(_ context.Context, projectID uuid.UUID) error {
	delete(f.ports, projectID)
	return nil
}
func (f *fakeProjects) UpdateTunnelURL(_ context.Context, projectID uuid.UUID, url string) error {
	f.tunnels[projectID] = url
	return nil
}

type fakeRunningProcesses struct {
	repository.RunningProcessRepository
	deleted map[uuid.UUID]bool
}

func (f *fakeRunningProcesses) Delete(_ context.Context, projectID uuid.UUID) error {
	if f.deleted == nil {
		f.deleted = make(map[uuid.UUID]bool)
	}
	f.deleted[projectID] = true
	return nil
}

func TestRouteDeliversToCommandSubscriberAndAcks(t *testing.T) {
	var acked string
	reg := registry.New(time.Minute, nil, zap.NewNop())
	r := New(func(commandID string) { acked = commandID }, reg, newFakeProjects(), &fakeRunningProcesses{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sub := r.SubscribeCommand("cmd-1")
	defer sub.Close()

	event, err := wire.NewEvent(types.EventAck, "cmd-1", "", wire.AckPayload{CommandID: "cmd-1"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := r.Route(ctx, uuid.Must(uuid.NewV7()), event); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case got := <-sub.Events:
		if got.CommandID != "cmd-1" {
			t.Fatalf("got commandId %s, want cmd-1", got.CommandID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	deadline := time.Now().Add(time.Second)
	for acked == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if acked != "cmd-1" {
		t.Fatalf("onAck called with %q, want cmd-1", acked)
	}
}

func TestPortDetectedPersistsAndPublishes(t *testing.T) {
	reg := registry.New(time.Minute, nil, zap.NewNop())
	projects := newFakeProjects()
	r := New(nil, reg, projects, &fakeRunningProcesses{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	projectID := uuid.Must(uuid.NewV7())
	sub := r.SubscribeProject(projectID.String())
	defer sub.Close()

	event, err := wire.NewEvent(types.EventPortDetected, "", projectID.String(), wire.PortDetectedPayload{Port: 3005})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := r.Route(ctx, uuid.Must(uuid.NewV7()), event); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for project subscriber delivery")
	}

	deadline := time.Now().Add(time.Second)
	for projects.ports[projectID] == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if projects.ports[projectID] != 3005 {
		t.Fatalf("persisted port = %d, want 3005", projects.ports[projectID])
	}
}

func TestRunnerStatusUpdatesHeartbeat(t *testing.T) {
	reg := registry.New(time.Minute, nil, zap.NewNop())
	r := New(nil, reg, newFakeProjects(), &fakeRunningProcesses{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	runnerID := uuid.Must(uuid.NewV7())
	conn := reg.Attach(runnerID, uuid.Must(uuid.NewV7()))
	before := conn.LastHeartbeatAt()
	time.Sleep(5 * time.Millisecond)

	event, err := wire.NewEvent(types.EventRunnerStatus, "", "", wire.RunnerStatusPayload{})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := r.Route(ctx, runnerID, event); err != nil {
		t.Fatalf("Route: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !conn.LastHeartbeatAt().After(before) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !conn.LastHeartbeatAt().After(before) {
		t.Fatal("expected heartbeat timestamp to advance")
	}
}
