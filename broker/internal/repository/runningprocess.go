package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
)

type gormRunningProcessRepository struct {
	db *gorm.DB
}

// NewRunningProcessRepository returns a RunningProcessRepository backed by d.
func NewRunningProcessRepository(d *gorm.DB) RunningProcessRepository {
	return &gormRunningProcessRepository{db: d}
}

// Upsert replaces the single running-process row for proc.ProjectID, which
// is the table's primary key — a project has at most one running process.
func (r *gormRunningProcessRepository) Upsert(ctx context.Context, proc *db.RunningProcess) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			UpdateAll: true,
		}).
		Create(proc).Error
	if err != nil {
		return fmt.Errorf("runningprocesses: upsert: %w", err)
	}
	return nil
}

func (r *gormRunningProcessRepository) GetByProjectID(ctx context.Context, projectID uuid.UUID) (*db.RunningProcess, error) {
	var proc db.RunningProcess
	err := r.db.WithContext(ctx).First(&proc, "project_id = ?", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runningprocesses: get by project id: %w", err)
	}
	return &proc, nil
}

func (r *gormRunningProcessRepository) Delete(ctx context.Context, projectID uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.RunningProcess{}, "project_id = ?", projectID)
	if result.Error != nil {
		return fmt.Errorf("runningprocesses: delete: %w", result.Error)
	}
	return nil
}

func (r *gormRunningProcessRepository) IncrementHealthCheckFailures(ctx context.Context, projectID uuid.UUID) (int, error) {
	var proc db.RunningProcess
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&proc, "project_id = ?", projectID).Error; err != nil {
			return err
		}
		proc.HealthCheckFailCount++
		return tx.Model(&proc).Update("health_check_fail_count", proc.HealthCheckFailCount).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("runningprocesses: increment health check failures: %w", err)
	}
	return proc.HealthCheckFailCount, nil
}

func (r *gormRunningProcessRepository) ListByRunner(ctx context.Context, runnerID uuid.UUID) ([]db.RunningProcess, error) {
	var procs []db.RunningProcess
	if err := r.db.WithContext(ctx).Where("runner_id = ?", runnerID).Find(&procs).Error; err != nil {
		return nil, fmt.Errorf("runningprocesses: list by runner: %w", err)
	}
	return procs, nil
}
