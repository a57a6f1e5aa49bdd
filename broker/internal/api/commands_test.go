package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/auth"
	"github.com/sentryvibe/runnerbroker/broker/internal/binding"
	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
)

// fakeProjects is the same in-memory repository.ProjectRepository fake used
// by the binding package's tests, reproduced here to keep this package's
// tests independent of binding's internal test helpers.
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

// newTestCommandHandler wires a commandHandler against real registry/
// dispatch/binding components, matching how NewRouter assembles them, so
// these tests exercise the actual ownership and dispatch-error-mapping
// logic rather than a hand-rolled substitute.
func newTestCommandHandler(projects *fakeProjects) (*commandHandler, *registry.Registry, *dispatch.Dispatcher) {
	logger := zap.NewNop()
	reg := registry.New(time.Minute, nil, logger)
	disp := dispatch.New(reg, dispatch.Config{AckTimeout: 200 * time.Millisecond}, logger)
	binder := binding.New(projects, reg, disp, logger)
	return &commandHandler{disp: disp, binder: binder, projects: projects, reg: reg, logger: logger}, reg, disp
}

func withClaims(r *http.Request, userID string) *http.Request {
	claims := &auth.Claims{UserID: userID}
	return r.WithContext(context.WithValue(r.Context(), contextKeyUser, claims))
}

func submitBody(t *testing.T, runnerID, projectID uuid.UUID, cmdType types.RunnerCommandType) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(submitRequest{
		RunnerID:  runnerID.String(),
		Type:      string(cmdType),
		ProjectID: projectID.String(),
	})
	if err != nil {
		t.Fatalf("marshal submitRequest: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestSubmitRejectsUnownedProject(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	runnerID := uuid.Must(uuid.NewV7())
	ownerID := uuid.Must(uuid.NewV7())
	otherUserID := uuid.Must(uuid.NewV7())

	project := &db.Project{Slug: "p", UserID: ownerID}
	project.ID = projectID
	projects := newFakeProjects(project)

	h, _, _ := newTestCommandHandler(projects)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runner/command", submitBody(t, runnerID, projectID, types.CommandStartBuild))
	req = withClaims(req, otherUserID.String())
	rec := httptest.NewRecorder()

	h.Submit(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestSubmitStartBuildBindsProjectAndAccepts(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	runnerID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())

	project := &db.Project{Slug: "p", UserID: userID}
	project.ID = projectID
	projects := newFakeProjects(project)

	h, reg, disp := newTestCommandHandler(projects)
	reg.Attach(runnerID, userID)
	go func() {
		conn, _ := reg.Get(runnerID)
		cmd := <-conn.Send
		disp.Ack(cmd.ID)
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runner/command", submitBody(t, runnerID, projectID, types.CommandStartBuild))
	req = withClaims(req, userID.String())
	rec := httptest.NewRecorder()

	h.Submit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	p, _ := projects.GetByID(context.Background(), projectID)
	if p.RunnerID == nil || *p.RunnerID != runnerID {
		t.Fatalf("project not bound to %s", runnerID)
	}
}

func TestSubmitConflictingTargetRunnerReturns409(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	boundRunnerID := uuid.Must(uuid.NewV7())
	otherRunnerID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())

	project := &db.Project{Slug: "p", UserID: userID, RunnerID: &boundRunnerID}
	project.ID = projectID
	projects := newFakeProjects(project)

	h, _, _ := newTestCommandHandler(projects)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runner/command", submitBody(t, otherRunnerID, projectID, types.CommandStopDevServer))
	req = withClaims(req, userID.String())
	rec := httptest.NewRecorder()

	h.Submit(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want %d; body=%s", rec.Code, http.StatusConflict, rec.Body.String())
	}
}

func TestSubmitDisconnectedRunnerReturns503(t *testing.T) {
	projectID := uuid.Must(uuid.NewV7())
	runnerID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())

	project := &db.Project{Slug: "p", UserID: userID, RunnerID: &runnerID}
	project.ID = projectID
	projects := newFakeProjects(project)

	h, _, _ := newTestCommandHandler(projects)
	// runnerID is never attached, so the bound runner has no live connection.

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runner/command", submitBody(t, runnerID, projectID, types.CommandStopDevServer))
	req = withClaims(req, userID.String())
	rec := httptest.NewRecorder()

	h.Submit(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want %d; body=%s", rec.Code, http.StatusServiceUnavailable, rec.Body.String())
	}
}

func TestSubmitUnknownProjectReturns404(t *testing.T) {
	runnerID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	h, _, _ := newTestCommandHandler(newFakeProjects())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runner/command", submitBody(t, runnerID, projectID, types.CommandStartBuild))
	req = withClaims(req, userID.String())
	rec := httptest.NewRecorder()

	h.Submit(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStatusReturnsOnlyCallersRunners(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	otherUserID := uuid.Must(uuid.NewV7())
	mine := uuid.Must(uuid.NewV7())
	theirs := uuid.Must(uuid.NewV7())

	h, reg, _ := newTestCommandHandler(newFakeProjects())
	reg.Attach(mine, userID)
	reg.Attach(theirs, otherUserID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runner/status", nil)
	req = withClaims(req, userID.String())
	rec := httptest.NewRecorder()

	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}

	var out struct {
		Data struct {
			Connections []connectionStatus `json:"connections"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Data.Connections) != 1 {
		t.Fatalf("got %d connections, want 1", len(out.Data.Connections))
	}
	if out.Data.Connections[0].RunnerID != mine.String() {
		t.Fatalf("got runner %s, want %s", out.Data.Connections[0].RunnerID, mine)
	}
}

func TestStatusRequiresAuthentication(t *testing.T) {
	h, _, _ := newTestCommandHandler(newFakeProjects())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runner/status", nil)
	rec := httptest.NewRecorder()

	h.Status(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
