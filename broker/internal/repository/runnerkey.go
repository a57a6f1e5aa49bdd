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

type gormRunnerKeyRepository struct {
	db *gorm.DB
}

// NewRunnerKeyRepository returns a RunnerKeyRepository backed by db.
func NewRunnerKeyRepository(d *gorm.DB) RunnerKeyRepository {
	return &gormRunnerKeyRepository{db: d}
}

func (r *gormRunnerKeyRepository) Create(ctx context.Context, key *db.RunnerKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("runnerkeys: create: %w", err)
	}
	return nil
}

// GetByHash looks up a non-revoked key by its HMAC digest. Revoked keys are
// excluded so a revoked plaintext never authenticates again.
func (r *gormRunnerKeyRepository) GetByHash(ctx context.Context, keyHash string) (*db.RunnerKey, error) {
	var key db.RunnerKey
	err := r.db.WithContext(ctx).
		Where("key_hash = ? AND revoked_at IS NULL", keyHash).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runnerkeys: get by hash: %w", err)
	}
	return &key, nil
}

func (r *gormRunnerKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerKey, error) {
	var key db.RunnerKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runnerkeys: get by id: %w", err)
	}
	return &key, nil
}

func (r *gormRunnerKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunnerKey{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if result.Error != nil {
		return fmt.Errorf("runnerkeys: update last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke is idempotent: revoking an already-revoked key succeeds silently.
func (r *gormRunnerKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunnerKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("runnerkeys: revoke: %w", result.Error)
	}
	return nil
}

func (r *gormRunnerKeyRepository) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.RunnerKey, int64, error) {
	var keys []db.RunnerKey
	var total int64

	q := r.db.WithContext(ctx).Model(&db.RunnerKey{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runnerkeys: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("runnerkeys: list: %w", err)
	}

	return keys, total, nil
}
