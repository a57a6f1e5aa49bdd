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

type gormPortAllocationRepository struct {
	db *gorm.DB
}

// NewPortAllocationRepository returns a PortAllocationRepository backed by d.
func NewPortAllocationRepository(d *gorm.DB) PortAllocationRepository {
	return &gormPortAllocationRepository{db: d}
}

func (r *gormPortAllocationRepository) GetUnreleased(ctx context.Context, projectID uuid.UUID) (*db.PortAllocation, error) {
	var alloc db.PortAllocation
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND released_at IS NULL", projectID).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("portallocations: get unreleased: %w", err)
	}
	return &alloc, nil
}

func (r *gormPortAllocationRepository) ListUnreleased(ctx context.Context) ([]db.PortAllocation, error) {
	var allocs []db.PortAllocation
	if err := r.db.WithContext(ctx).Where("released_at IS NULL").Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("portallocations: list unreleased: %w", err)
	}
	return allocs, nil
}

func (r *gormPortAllocationRepository) Reserve(ctx context.Context, projectID uuid.UUID, port int) error {
	alloc := db.PortAllocation{
		ProjectID:  projectID,
		Port:       port,
		ReservedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&alloc).Error; err != nil {
		return fmt.Errorf("portallocations: reserve: %w", err)
	}
	return nil
}

// Release is idempotent: releasing an already-released or nonexistent
// reservation is not an error.
func (r *gormPortAllocationRepository) Release(ctx context.Context, projectID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.PortAllocation{}).
		Where("project_id = ? AND released_at IS NULL", projectID).
		Update("released_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("portallocations: release: %w", result.Error)
	}
	return nil
}

// SweepAbandoned removes unreleased reservations older than olderThan that
// have no corresponding row in running_processes — the project reserved a
// port but its dev server never started, or has since exited and been
// cleaned up without releasing the port explicitly.
func (r *gormPortAllocationRepository) SweepAbandoned(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("released_at IS NULL AND reserved_at < ?", olderThan).
		Where("project_id NOT IN (?)", r.db.Model(&db.RunningProcess{}).Select("project_id")).
		Delete(&db.PortAllocation{})
	if result.Error != nil {
		return 0, fmt.Errorf("portallocations: sweep abandoned: %w", result.Error)
	}
	return result.RowsAffected, nil
}
