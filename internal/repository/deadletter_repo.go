package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

// DeadLetterRepository is the operational inspection surface for items that
// exceeded their retry budget
type DeadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository creates a new DeadLetterRepository
func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create records a dead-lettered item
func (r *DeadLetterRepository) Create(ctx context.Context, dl *domain.DeadLetter) error {
	return r.db.WithContext(ctx).Create(dl).Error
}

// List returns paginated dead letters, newest first
func (r *DeadLetterRepository) List(ctx context.Context, tenantID string, offset, limit int) ([]domain.DeadLetter, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.DeadLetter{})
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var letters []domain.DeadLetter
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&letters).Error; err != nil {
		return nil, 0, err
	}
	return letters, total, nil
}

// FindByID returns one dead letter
func (r *DeadLetterRepository) FindByID(ctx context.Context, id int64) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &dl, nil
}

// MarkRetried stamps a dead letter after an operator re-enqueued it
func (r *DeadLetterRepository) MarkRetried(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.DeadLetter{}).
		Where("id = ?", id).
		Update("retried_at", now).Error
}
