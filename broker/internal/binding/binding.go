// Package binding implements C7, the project↔runner binding rules: a
// project's runnerId is fixed on first successful build dispatch, every
// later command for that project must target the same runner, and
// delete-project-files is the one command allowed to reroute to a
// different runner owned by the same user when the bound runner is gone.
package binding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// ErrConflict is returned when a command targets a project already bound
// to a different runner than the one requested.
var ErrConflict = errors.New("binding: project bound to a different runner")

// ErrRunnerDisconnected is returned when a project's bound runner is not
// currently attached and the command is not eligible for reroute.
var ErrRunnerDisconnected = errors.New("binding: bound runner not connected")

// ErrNoRerouteTarget is returned when delete-project-files cannot find any
// attached runner owned by the project's user to reroute to.
var ErrNoRerouteTarget = errors.New("binding: no attached runner available to reroute to")

// Binder enforces C7's binding rules in front of C4's dispatcher.
type Binder struct {
	projects repository.ProjectRepository
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	logger   *zap.Logger
}

// New returns a Binder.
func New(projects repository.ProjectRepository, reg *registry.Registry, disp *dispatch.Dispatcher, logger *zap.Logger) *Binder {
	return &Binder{projects: projects, reg: reg, disp: disp, logger: logger.Named("binding")}
}

// DispatchBuild sends a start-build command, binding projectID to runnerID
// first if the project has no bound runner yet. If the project is already
// bound to a different runner, returns ErrConflict. If runnerID is not
// attached, returns dispatch.ErrRunnerNotConnected without binding.
func (b *Binder) DispatchBuild(ctx context.Context, projectID, runnerID uuid.UUID, cmd wire.Command) error {
	if cmd.Type != types.CommandStartBuild {
		return fmt.Errorf("binding: DispatchBuild called with command type %q", cmd.Type)
	}
	if _, attached := b.reg.Get(runnerID); !attached {
		if err := b.CheckTarget(ctx, projectID, runnerID); err != nil {
			return err
		}
		return dispatch.ErrRunnerNotConnected
	}
	if err := b.projects.BindRunner(ctx, projectID, runnerID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("binding: bind runner: %w", err)
	}
	return b.disp.Send(ctx, runnerID, cmd)
}

// Dispatch sends cmd for projectID to its bound runner. A command targeting
// a project with no bound runner (anything other than start-build, which
// goes through DispatchBuild) is rejected — C7 only establishes a binding
// on a build dispatch.
//
// If the bound runner is not attached, non-emergency commands fail fast
// with ErrRunnerDisconnected. delete-project-files is the one exception:
// it MAY be rerouted to any attached runner owned by the same user, in
// which case rerouted=true is returned so the caller can warn that files
// may remain on the original runner's disk.
func (b *Binder) Dispatch(ctx context.Context, projectID uuid.UUID, cmd wire.Command) (rerouted bool, err error) {
	project, err := b.projects.GetByID(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("binding: load project: %w", err)
	}
	if project.RunnerID == nil {
		return false, fmt.Errorf("binding: project %s has no bound runner", projectID)
	}
	boundRunnerID := *project.RunnerID

	if _, attached := b.reg.Get(boundRunnerID); attached {
		return false, b.disp.Send(ctx, boundRunnerID, cmd)
	}

	if cmd.Type != types.CommandDeleteProjectFiles {
		return false, ErrRunnerDisconnected
	}

	target, ok := b.rerouteTarget(project.UserID, boundRunnerID)
	if !ok {
		return false, ErrNoRerouteTarget
	}

	b.logger.Warn("rerouting delete-project-files to a different runner; files may remain on original runner's disk",
		zap.String("project_id", projectID.String()),
		zap.String("bound_runner_id", boundRunnerID.String()),
		zap.String("reroute_runner_id", target.String()))

	return true, b.disp.Send(ctx, target, cmd)
}

// CheckTarget enforces binding monotonicity for commands that name an
// explicit target runner (e.g. a runner-scoped HTTP request): it returns
// ErrConflict if projectID is already bound to a different runner than
// requestedRunnerID.
func (b *Binder) CheckTarget(ctx context.Context, projectID, requestedRunnerID uuid.UUID) error {
	project, err := b.projects.GetByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("binding: load project: %w", err)
	}
	if project.RunnerID != nil && *project.RunnerID != requestedRunnerID {
		return ErrConflict
	}
	return nil
}

// rerouteTarget picks any attached runner owned by userID other than the
// (disconnected) bound runner.
func (b *Binder) rerouteTarget(userID, excludeRunnerID uuid.UUID) (uuid.UUID, bool) {
	for _, conn := range b.reg.List() {
		if conn.RunnerID == excludeRunnerID {
			continue
		}
		if conn.UserID == userID {
			return conn.RunnerID, true
		}
	}
	return uuid.Nil, false
}
