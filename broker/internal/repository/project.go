package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
)

type gormProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository returns a ProjectRepository backed by d.
func NewProjectRepository(d *gorm.DB) ProjectRepository {
	return &gormProjectRepository{db: d}
}

func (r *gormProjectRepository) Create(ctx context.Context, project *db.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("projects: create: %w", err)
	}
	return nil
}

func (r *gormProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by id: %w", err)
	}
	return &project, nil
}

func (r *gormProjectRepository) GetBySlug(ctx context.Context, slug string) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by slug: %w", err)
	}
	return &project, nil
}

// BindRunner implements the C7 bind-on-first-dispatch rule: the update only
// touches rows that are currently unbound or already bound to runnerID, so a
// concurrent bind to a different runner is rejected rather than overwritten.
func (r *gormProjectRepository) BindRunner(ctx context.Context, projectID, runnerID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ? AND (runner_id IS NULL OR runner_id = ?)", projectID, runnerID).
		Update("runner_id", runnerID)
	if result.Error != nil {
		return fmt.Errorf("projects: bind runner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the project doesn't exist, or it's bound to another runner.
		// Distinguish the two so callers can return the right error.
		if _, err := r.GetByID(ctx, projectID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *gormProjectRepository) UnbindRunner(ctx context.Context, projectID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Update("runner_id", nil)
	if result.Error != nil {
		return fmt.Errorf("projects: unbind runner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDevServerStatus is the idempotent persistence side effect driven by C5
// for dev-server lifecycle events: repeated calls with the same status are
// no-ops from the caller's perspective.
func (r *gormProjectRepository) SetDevServerStatus(ctx context.Context, projectID uuid.UUID, status string) error {
	return r.updateColumn(ctx, projectID, "dev_server_status", status)
}

// SetDevServerPort persists the port C5 observed in a PortDetected event.
// Repeated calls with the same port are a no-op.
func (r *gormProjectRepository) SetDevServerPort(ctx context.Context, projectID uuid.UUID, port int) error {
	return r.updateColumn(ctx, projectID, "dev_server_port", port)
}

// SetDevServerPID persists the supervised child process's PID.
func (r *gormProjectRepository) SetDevServerPID(ctx context.Context, projectID uuid.UUID, pid int) error {
	return r.updateColumn(ctx, projectID, "dev_server_pid", pid)
}

// SetErrorMessage persists a human-readable error surfaced by the runner.
func (r *gormProjectRepository) SetErrorMessage(ctx context.Context, projectID uuid.UUID, msg string) error {
	return r.updateColumn(ctx, projectID, "error_message", msg)
}

// ClearDevServerRuntime resets the runtime fields (port, PID) on process
// exit while leaving status to be set separately by the caller.
func (r *gormProjectRepository) ClearDevServerRuntime(ctx context.Context, projectID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{
			"dev_server_port": nil,
			"dev_server_pid":  nil,
		})
	if result.Error != nil {
		return fmt.Errorf("projects: clear dev server runtime: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) updateColumn(ctx context.Context, projectID uuid.UUID, column string, value interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("projects: update %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) UpdateTunnelURL(ctx context.Context, projectID uuid.UUID, url string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Update("tunnel_url", url)
	if result.Error != nil {
		return fmt.Errorf("projects: update tunnel url: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) UpdateGenerationState(ctx context.Context, projectID uuid.UUID, state string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Update("generation_state", state)
	if result.Error != nil {
		return fmt.Errorf("projects: update generation state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) TouchActivity(ctx context.Context, projectID uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", projectID).
		Update("last_activity_at", at)
	if result.Error != nil {
		return fmt.Errorf("projects: touch activity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) ListByRunner(ctx context.Context, runnerID uuid.UUID) ([]db.Project, error) {
	var projects []db.Project
	if err := r.db.WithContext(ctx).Where("runner_id = ?", runnerID).Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("projects: list by runner: %w", err)
	}
	return projects, nil
}

func (r *gormProjectRepository) List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error) {
	var projects []db.Project
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Project{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list: %w", err)
	}

	return projects, total, nil
}
