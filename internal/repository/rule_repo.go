package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

// RuleRepository handles alert rule configuration storage
type RuleRepository struct {
	db *gorm.DB
}

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListByTenant returns all enabled rules for a tenant
func (r *RuleRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	var rules []domain.AlertRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("created_at ASC").
		Find(&rules).Error
	return rules, err
}

// ListAll returns every rule for a tenant including disabled ones
func (r *RuleRepository) ListAll(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	var rules []domain.AlertRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&rules).Error
	return rules, err
}

// FindByID returns a rule by id within a tenant
func (r *RuleRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.AlertRule, error) {
	var rule domain.AlertRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// Create stores a new rule
func (r *RuleRepository) Create(ctx context.Context, rule *domain.AlertRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

// Update saves rule changes
func (r *RuleRepository) Update(ctx context.Context, rule *domain.AlertRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&domain.AlertRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.ErrRuleNotFound
	}
	return nil
}
