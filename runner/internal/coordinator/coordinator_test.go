package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/runner/internal/executor"
	"github.com/sentryvibe/runnerbroker/runner/internal/supervisor"
	"github.com/sentryvibe/runnerbroker/runner/internal/tunnel"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []wire.Event
}

func (f *fakeEmitter) Emit(event wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEmitter) last() (wire.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return wire.Event{}, false
	}
	return f.events[len(f.events)-1], true
}

func newTestCoordinator() (*Coordinator, *fakeEmitter) {
	emitter := &fakeEmitter{}
	sup := supervisor.New(nil, nil)
	tunnels := tunnel.New(".", nil, zap.NewNop())
	exec := executor.New(nil, zap.NewNop())
	c := New(sup, tunnels, exec, emitter, zap.NewNop())
	return c, emitter
}

func TestTunnelCreatedUsesTrackedProjectForPort(t *testing.T) {
	c, emitter := newTestCoordinator()

	c.mu.Lock()
	c.portProject[4000] = uuid.MustParse("0192d000-0000-7000-8000-000000000001")
	c.mu.Unlock()

	c.TunnelCreated(4000, "https://example.trycloudflare.com")

	event, ok := emitter.last()
	if !ok {
		t.Fatal("expected an emitted event")
	}
	if event.Type != types.EventTunnelCreated {
		t.Fatalf("got event type %q", event.Type)
	}
	if event.ProjectID != "0192d000-0000-7000-8000-000000000001" {
		t.Fatalf("got projectId %q, want the tracked project", event.ProjectID)
	}
}

func TestTunnelClosedClearsPortMapping(t *testing.T) {
	c, _ := newTestCoordinator()
	projectID := uuid.MustParse("0192d000-0000-7000-8000-000000000002")

	c.mu.Lock()
	c.portProject[5000] = projectID
	c.mu.Unlock()

	c.TunnelClosed(5000, "closed")

	if _, ok := c.portProject[5000]; ok {
		t.Fatal("expected port mapping to be cleared after TunnelClosed")
	}
}

func TestPortDetectedRecreatesTunnelWhenPortSupersedesPrior(t *testing.T) {
	c, emitter := newTestCoordinator()
	projectID := uuid.MustParse("0192d000-0000-7000-8000-000000000004")

	c.mu.Lock()
	c.portProject[4000] = projectID
	c.mu.Unlock()

	c.PortDetected(projectID, 4000)
	c.PortDetected(projectID, 4001)

	c.mu.Lock()
	owner, ok := c.portProject[4001]
	c.mu.Unlock()
	if !ok || owner != projectID {
		t.Fatal("expected the new port to take over the tunnel-port mapping from the superseded one")
	}

	event, ok := emitter.last()
	if !ok {
		t.Fatal("expected an emitted event")
	}
	if event.Type != types.EventPortDetected {
		t.Fatalf("got event type %q", event.Type)
	}
}

func TestPortDetectedDoesNotRecreateWithoutAnExistingTunnel(t *testing.T) {
	c, _ := newTestCoordinator()
	projectID := uuid.MustParse("0192d000-0000-7000-8000-000000000005")

	c.PortDetected(projectID, 4000)
	c.PortDetected(projectID, 4001)

	c.mu.Lock()
	_, ok4000 := c.portProject[4000]
	_, ok4001 := c.portProject[4001]
	c.mu.Unlock()
	if ok4000 || ok4001 {
		t.Fatal("expected no tunnel-port mapping when no tunnel was ever opened")
	}
}

func TestExecutorSinkForwardsBuildEvents(t *testing.T) {
	c, emitter := newTestCoordinator()

	c.EmitBuildCompleted("cmd1", "proj1", wire.BuildCompletedPayload{Summary: "done"})

	event, ok := emitter.last()
	if !ok {
		t.Fatal("expected an emitted event")
	}
	if event.Type != types.EventBuildCompleted || event.CommandID != "cmd1" || event.ProjectID != "proj1" {
		t.Fatalf("got event %+v", event)
	}
}

func TestRunnerStatusReportsActiveServerCount(t *testing.T) {
	c, _ := newTestCoordinator()

	projectID := uuid.MustParse("0192d000-0000-7000-8000-000000000003")
	if err := c.sup.StartDevServer(context.Background(), projectID, `sleep 5`, ".", nil, 0); err != nil {
		t.Fatalf("StartDevServer: %v", err)
	}
	defer c.sup.StopDevServer(projectID)

	status := c.RunnerStatus(context.Background())
	if status.ActiveServers != 1 {
		t.Fatalf("got activeServers %d, want 1", status.ActiveServers)
	}
	if status.ActiveBuilds != 0 {
		t.Fatalf("got activeBuilds %d, want 0", status.ActiveBuilds)
	}
}
