package portalloc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
)

type fakePortAllocationRepository struct {
	byProject map[uuid.UUID]*db.PortAllocation
	runningProjects map[uuid.UUID]bool
}

func newFakeRepo() *fakePortAllocationRepository {
	return &fakePortAllocationRepository{
		byProject:       make(map[uuid.UUID]*db.PortAllocation),
		runningProjects: make(map[uuid.UUID]bool),
	}
}

func (f *fakePortAllocationRepository) GetUnreleased(_ context.Context, projectID uuid.UUID) (*db.PortAllocation, error) {
	alloc, ok := f.byProject[projectID]
	if !ok || alloc.ReleasedAt != nil {
		return nil, repository.ErrNotFound
	}
	cp := *alloc
	return &cp, nil
}

func (f *fakePortAllocationRepository) ListUnreleased(_ context.Context) ([]db.PortAllocation, error) {
	var out []db.PortAllocation
	for _, a := range f.byProject {
		if a.ReleasedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakePortAllocationRepository) Reserve(_ context.Context, projectID uuid.UUID, port int) error {
	f.byProject[projectID] = &db.PortAllocation{ProjectID: projectID, Port: port, ReservedAt: time.Now()}
	return nil
}

func (f *fakePortAllocationRepository) Release(_ context.Context, projectID uuid.UUID) error {
	if alloc, ok := f.byProject[projectID]; ok {
		now := time.Now()
		alloc.ReleasedAt = &now
	}
	return nil
}

func (f *fakePortAllocationRepository) SweepAbandoned(_ context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, a := range f.byProject {
		if a.ReleasedAt == nil && a.ReservedAt.Before(olderThan) && !f.runningProjects[id] {
			delete(f.byProject, id)
			n++
		}
	}
	return n, nil
}

func TestReserveForReusesExistingReservation(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(repo, Config{RangeLow: 20000, RangeHigh: 20010}, zap.NewNop())

	projectID := uuid.Must(uuid.NewV7())
	port1, err := alloc.ReserveFor(context.Background(), projectID, 0)
	if err != nil {
		t.Fatalf("ReserveFor: %v", err)
	}

	port2, err := alloc.ReserveFor(context.Background(), projectID, 0)
	if err != nil {
		t.Fatalf("ReserveFor (second call): %v", err)
	}
	if port1 != port2 {
		t.Fatalf("expected reconnect to reuse port %d, got %d", port1, port2)
	}
}

func TestReserveForSkipsTakenPorts(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(repo, Config{RangeLow: 20100, RangeHigh: 20101}, zap.NewNop())

	a := uuid.Must(uuid.NewV7())
	b := uuid.Must(uuid.NewV7())

	portA, err := alloc.ReserveFor(context.Background(), a, 0)
	if err != nil {
		t.Fatalf("ReserveFor a: %v", err)
	}
	portB, err := alloc.ReserveFor(context.Background(), b, 0)
	if err != nil {
		t.Fatalf("ReserveFor b: %v", err)
	}
	if portA == portB {
		t.Fatalf("expected distinct ports, both got %d", portA)
	}
}

func TestReserveForNoPortAvailable(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(repo, Config{RangeLow: 20200, RangeHigh: 20200}, zap.NewNop())

	ln, err := net.Listen("tcp", ":20200")
	if err != nil {
		t.Skipf("could not bind test port: %v", err)
	}
	defer ln.Close()

	_, err = alloc.ReserveFor(context.Background(), uuid.Must(uuid.NewV7()), 0)
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("ReserveFor: got %v, want ErrNoPortAvailable", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(repo, Config{RangeLow: 20300, RangeHigh: 20310}, zap.NewNop())

	projectID := uuid.Must(uuid.NewV7())
	if _, err := alloc.ReserveFor(context.Background(), projectID, 0); err != nil {
		t.Fatalf("ReserveFor: %v", err)
	}

	if err := alloc.Release(context.Background(), projectID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := alloc.Release(context.Background(), projectID); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestSweepReclaimsAbandonedReservations(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(repo, Config{AbandonTTL: time.Hour}, zap.NewNop())

	projectID := uuid.Must(uuid.NewV7())
	repo.byProject[projectID] = &db.PortAllocation{
		ProjectID:  projectID,
		Port:       3050,
		ReservedAt: time.Now().Add(-2 * time.Hour),
	}

	if err := alloc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, ok := repo.byProject[projectID]; ok {
		t.Fatal("expected abandoned reservation to be swept")
	}
}
