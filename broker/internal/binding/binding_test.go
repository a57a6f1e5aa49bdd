package binding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

type fakeProjects struct {
	repository.ProjectRepository
	byID map[uuid.UUID]*db.Project
}

func newFakeProjects(projects ...*db.Project) *fakeProjects {
	f := &fakeProjects{byID: make(map[uuid.UUID]*db.Project)}
	for _, p := range projects {
		f.byID[p.ID] = p
	}
	return f
}

func (f *fakeProjects) GetByID(_ context.Context, id uuid.UUID) (*db.Project, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) BindRunner(_ context.Context, projectID, runnerID uuid.UUID) error {
	p, ok := f.byID[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.RunnerID != nil && *p.RunnerID != runnerID {
		return repository.ErrConflict
	}
	p.RunnerID = &runnerID
	return nil
}

func newTestBinder(projects *fakeProjects) (*Binder, *registry.Registry, *dispatch.Dispatcher) {
	logger := zap.NewNop()
	reg := registry.New(time.Minute, nil, logger)
	disp := dispatch.New(reg, dispatch.Config{AckTimeout: 200 * time.Millisecond}, logger)
	return New(projects, reg, disp, logger), reg, disp
}

func buildCommand(projectID uuid.UUID) wire.Command {
	cmd, _ := wire.NewCommand(uuid.NewString(), types.CommandStartBuild, projectID.String(), wire.StartBuildPayload{Prompt: "hi"})
	return cmd
}

func deleteFilesCommand(projectID uuid.UUID) wire.Command {
	cmd, _ := wire.NewCommand(uuid.NewString(), types.CommandDeleteProjectFiles, projectID.String(), nil)
	return cmd
}

func ackSoon(t *testing.T, reg *registry.Registry, runnerID uuid.UUID, disp *dispatch.Dispatcher) {
	t.Helper()
	conn, ok := reg.Get(runnerID)
	if !ok {
		t.Fatalf("runner %s not attached", runnerID)
	}
	go func() {
		cmd := <-conn.Send
		disp.Ack(cmd.ID)
	}()
}

func TestDispatchBuildBindsUnboundProject(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	runnerID := uuid.Must(uuid.NewV7())
	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID}
	projects.byID[projectID].ID = projectID

	binder, reg, disp := newTestBinder(projects)
	reg.Attach(runnerID, userID)
	ackSoon(t, reg, runnerID, disp)

	if err := binder.DispatchBuild(context.Background(), projectID, runnerID, buildCommand(projectID)); err != nil {
		t.Fatalf("DispatchBuild: %v", err)
	}

	p, _ := projects.GetByID(context.Background(), projectID)
	if p.RunnerID == nil || *p.RunnerID != runnerID {
		t.Fatalf("project not bound to %s", runnerID)
	}
}

func TestDispatchBuildConflictsOnDifferentRunner(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())
	otherRunnerID := uuid.Must(uuid.NewV7())

	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	projects.byID[projectID].ID = projectID

	binder, _, _ := newTestBinder(projects)

	err := binder.DispatchBuild(context.Background(), projectID, otherRunnerID, buildCommand(projectID))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestDispatchFailsFastWhenBoundRunnerDisconnected(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())

	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	projects.byID[projectID].ID = projectID

	binder, _, _ := newTestBinder(projects)

	cmd, _ := wire.NewCommand(uuid.NewString(), types.CommandStopDevServer, projectID.String(), nil)
	_, err := binder.Dispatch(context.Background(), projectID, cmd)
	if !errors.Is(err, ErrRunnerDisconnected) {
		t.Fatalf("got %v, want ErrRunnerDisconnected", err)
	}
}

func TestDispatchReroutesDeleteProjectFiles(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())
	otherRunnerID := uuid.Must(uuid.NewV7())

	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	projects.byID[projectID].ID = projectID

	binder, reg, disp := newTestBinder(projects)
	reg.Attach(otherRunnerID, userID) // only a different runner owned by the same user is attached
	ackSoon(t, reg, otherRunnerID, disp)

	rerouted, err := binder.Dispatch(context.Background(), projectID, deleteFilesCommand(projectID))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !rerouted {
		t.Fatal("expected rerouted=true")
	}
}

func TestDispatchNoRerouteTargetForDifferentUser(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	otherUserID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())
	strangerRunnerID := uuid.Must(uuid.NewV7())

	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	projects.byID[projectID].ID = projectID

	binder, reg, _ := newTestBinder(projects)
	reg.Attach(strangerRunnerID, otherUserID)

	_, err := binder.Dispatch(context.Background(), projectID, deleteFilesCommand(projectID))
	if !errors.Is(err, ErrNoRerouteTarget) {
		t.Fatalf("got %v, want ErrNoRerouteTarget", err)
	}
}

func TestCheckTargetDetectsConflict(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())
	otherRunnerID := uuid.Must(uuid.NewV7())

	projects := newFakeProjects()
	projects.byID[projectID] = &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	projects.byID[projectID].ID = projectID

	binder, _, _ := newTestBinder(projects)

	if err := binder.CheckTarget(context.Background(), projectID, boundRunnerID); err != nil {
		t.Fatalf("CheckTarget same runner: %v", err)
	}
	if err := binder.CheckTarget(context.Background(), projectID, otherRunnerID); !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}
