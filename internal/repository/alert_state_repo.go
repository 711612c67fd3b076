package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/errwatch/errwatch-backend/internal/domain"
)

// AlertStateRepository persists per (rule, group) evaluation state
type AlertStateRepository struct {
	db *gorm.DB
}

// NewAlertStateRepository creates a new AlertStateRepository
func NewAlertStateRepository(db *gorm.DB) *AlertStateRepository {
	return &AlertStateRepository{db: db}
}

// GetOrCreate returns the state for (rule, group), creating it lazily on
// first rule match. The unique index on (rule_id, group_id) resolves
// concurrent first matches to a single row.
func (r *AlertStateRepository) GetOrCreate(ctx context.Context, ruleID, groupID, tenantID string) (*domain.AlertState, error) {
	var state domain.AlertState
	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND group_id = ?", ruleID, groupID).
		First(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	state = domain.AlertState{
		RuleID:   ruleID,
		GroupID:  groupID,
		TenantID: tenantID,
	}
	createErr := r.db.WithContext(ctx).Create(&state).Error
	if createErr == nil {
		return &state, nil
	}
	if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
		return nil, createErr
	}
	// Another evaluator created it first
	if err := r.db.WithContext(ctx).
		Where("rule_id = ? AND group_id = ?", ruleID, groupID).
		First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// Save persists state mutations
func (r *AlertStateRepository) Save(ctx context.Context, state *domain.AlertState) error {
	return r.db.WithContext(ctx).Save(state).Error
}

// Find returns the state for (rule, group) or nil when absent
func (r *AlertStateRepository) Find(ctx context.Context, ruleID, groupID string) (*domain.AlertState, error) {
	var state domain.AlertState
	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND group_id = ?", ruleID, groupID).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ResetThresholds clears the critical-threshold latch for every rule state
// of a group. Called when a group is resolved so the next crossing after a
// regression fires again.
func (r *AlertStateRepository) ResetThresholds(ctx context.Context, groupID string) error {
	return r.db.WithContext(ctx).Model(&domain.AlertState{}).
		Where("group_id = ?", groupID).
		Update("threshold_crossed", false).Error
}

// Acknowledge marks the state acknowledged and returns the cancelled
// escalation timer id, if any
func (r *AlertStateRepository) Acknowledge(ctx context.Context, ruleID, groupID string) (string, error) {
	var timerID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state domain.AlertState
		if err := tx.Where("rule_id = ? AND group_id = ?", ruleID, groupID).
			First(&state).Error; err != nil {
			return err
		}
		timerID = state.EscalationTimer
		now := time.Now().UTC()
		return tx.Model(&state).Updates(map[string]interface{}{
			"acknowledged":     true,
			"acknowledged_at":  now,
			"escalation_timer": "",
		}).Error
	})
	return timerID, err
}
