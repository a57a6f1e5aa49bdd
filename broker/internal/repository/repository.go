// Package repository defines the persistence interfaces for the broker's
// core-owned tables (runner keys, projects, running processes, port
// allocations) and their GORM implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// RunnerKeyRepository (C1)
// -----------------------------------------------------------------------------

type RunnerKeyRepository interface {
	Create(ctx context.Context, key *db.RunnerKey) error
	GetByHash(ctx context.Context, keyHash string) (*db.RunnerKey, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.RunnerKey, int64, error)
}

// -----------------------------------------------------------------------------
// ProjectRepository (C7)
// -----------------------------------------------------------------------------

type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)
	GetBySlug(ctx context.Context, slug string) (*db.Project, error)

	// BindRunner atomically assigns runnerID to the project if and only if
	// it is currently unbound or already bound to the same runner. Returns
	// ErrConflict if the project is bound to a different runner.
	BindRunner(ctx context.Context, projectID, runnerID uuid.UUID) error
	UnbindRunner(ctx context.Context, projectID uuid.UUID) error

	SetDevServerStatus(ctx context.Context, projectID uuid.UUID, status string) error
	SetDevServerPort(ctx context.Context, projectID uuid.UUID, port int) error
	SetDevServerPID(ctx context.Context, projectID uuid.UUID, pid int) error
	SetErrorMessage(ctx context.Context, projectID uuid.UUID, msg string) error
	ClearDevServerRuntime(ctx context.Context, projectID uuid.UUID) error
	UpdateTunnelURL(ctx context.Context, projectID uuid.UUID, url string) error
	UpdateGenerationState(ctx context.Context, projectID uuid.UUID, state string) error
	TouchActivity(ctx context.Context, projectID uuid.UUID, at time.Time) error

	ListByRunner(ctx context.Context, runnerID uuid.UUID) ([]db.Project, error)
	List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error)
}

// -----------------------------------------------------------------------------
// RunningProcessRepository (C8)
// -----------------------------------------------------------------------------

type RunningProcessRepository interface {
	Upsert(ctx context.Context, proc *db.RunningProcess) error
	GetByProjectID(ctx context.Context, projectID uuid.UUID) (*db.RunningProcess, error)
	Delete(ctx context.Context, projectID uuid.UUID) error
	IncrementHealthCheckFailures(ctx context.Context, projectID uuid.UUID) (int, error)
	ListByRunner(ctx context.Context, runnerID uuid.UUID) ([]db.RunningProcess, error)
}

// -----------------------------------------------------------------------------
// PortAllocationRepository (C2)
// -----------------------------------------------------------------------------

type PortAllocationRepository interface {
	// GetUnreleased returns the active reservation for projectID, if any.
	GetUnreleased(ctx context.Context, projectID uuid.UUID) (*db.PortAllocation, error)
	ListUnreleased(ctx context.Context) ([]db.PortAllocation, error)
	Reserve(ctx context.Context, projectID uuid.UUID, port int) error
	Release(ctx context.Context, projectID uuid.UUID) error

	// SweepAbandoned deletes unreleased reservations older than olderThan
	// whose project has no matching row in running_processes, returning the
	// number removed.
	SweepAbandoned(ctx context.Context, olderThan time.Time) (int64, error)
}
